package tle

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Cache keeps recently fetched element sets on disk, one timestamped file per
// fetch, so a restart can resume with the last good set.
type Cache struct {
	dir      string
	maxFiles int
}

// NewCache creates a Cache that stores files in dir and keeps at most maxFiles
// per catalog number.
func NewCache(dir string, maxFiles int) *Cache {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &Cache{
		dir:      dir,
		maxFiles: maxFiles,
	}
}

// Format renders an element set in the 3-line text format.
func Format(e Elements) []byte {
	var b bytes.Buffer
	name := e.Name
	if name == "" {
		name = strconv.Itoa(e.NORADID)
	}
	fmt.Fprintf(&b, "%s\n%s\n%s\n", name, e.Line1, e.Line2)
	return b.Bytes()
}

// Write saves e to a timestamped file and prunes old files beyond maxFiles.
func (c *Cache) Write(e Elements, ts time.Time) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	path := filepath.Join(c.dir, fmt.Sprintf("tle_%d_%d.txt", e.NORADID, ts.Unix()))
	if err := os.WriteFile(path, Format(e), 0644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}

	return c.prune(e.NORADID)
}

// LoadLatest returns the newest cached element set for noradID and the time
// it was written.
func (c *Cache) LoadLatest(noradID int) (Elements, time.Time, error) {
	files, err := c.listFiles(noradID)
	if err != nil {
		return Elements{}, time.Time{}, err
	}
	if len(files) == 0 {
		return Elements{}, time.Time{}, fmt.Errorf("no cache files found for NORAD %d", noradID)
	}

	// Files are sorted oldest first; take the last one.
	latest := files[len(files)-1]
	data, err := os.ReadFile(filepath.Join(c.dir, latest.name))
	if err != nil {
		return Elements{}, time.Time{}, fmt.Errorf("reading cache file: %w", err)
	}

	entries, err := Parse(bytes.NewReader(data), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return Elements{}, time.Time{}, err
	}
	for _, e := range entries {
		if e.NORADID == noradID {
			return e, latest.ts, nil
		}
	}
	return Elements{}, time.Time{}, fmt.Errorf("cache file %s holds no usable element set", latest.name)
}

type cacheFile struct {
	name string
	ts   time.Time
}

func (c *Cache) listFiles(noradID int) ([]cacheFile, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing cache dir: %w", err)
	}

	prefix := fmt.Sprintf("tle_%d_", noradID)
	var files []cacheFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".txt") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".txt")
		unix, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, cacheFile{name: name, ts: time.Unix(unix, 0)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})
	return files, nil
}

func (c *Cache) prune(noradID int) error {
	files, err := c.listFiles(noradID)
	if err != nil {
		return err
	}
	if len(files) <= c.maxFiles {
		return nil
	}

	for _, f := range files[:len(files)-c.maxFiles] {
		if err := os.Remove(filepath.Join(c.dir, f.name)); err != nil {
			return fmt.Errorf("pruning cache file %s: %w", f.name, err)
		}
	}
	return nil
}

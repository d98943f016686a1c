package tle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned when a pair of lines is not a usable element set.
var ErrMalformed = errors.New("malformed element set")

// FromLines builds an element set from its two lines, reading the catalog
// number and epoch out of line 1.
func FromLines(name, line1, line2 string) (Elements, error) {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)

	if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
		return Elements{}, fmt.Errorf("%w: bad line prefixes", ErrMalformed)
	}
	if len(line1) < 32 {
		return Elements{}, fmt.Errorf("%w: line1 too short (%d)", ErrMalformed, len(line1))
	}

	// Catalog number lives in line1 cols 3-7 (0-indexed: 2..7).
	noradStr := strings.TrimSpace(line1[2:7])
	noradID, err := strconv.Atoi(noradStr)
	if err != nil {
		return Elements{}, fmt.Errorf("%w: invalid NORAD ID %q", ErrMalformed, noradStr)
	}

	epochStr := strings.TrimSpace(line1[18:32])
	epoch, err := parseEpoch(epochStr)
	if err != nil {
		return Elements{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Elements{
		NORADID: noradID,
		Name:    strings.TrimSpace(name),
		Epoch:   epoch,
		Line1:   line1,
		Line2:   line2,
	}, nil
}

// Parse reads NORAD TLE text from r. Both the 3-line format (name line first)
// and bare 2-line sets are accepted. Malformed entries are skipped with a
// warning log.
func Parse(r io.Reader, logger *slog.Logger) ([]Elements, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading TLE data: %w", err)
	}

	var out []Elements
	for i := 0; i+1 < len(lines); {
		var name string
		if !strings.HasPrefix(lines[i], "1 ") {
			name = lines[i]
			i++
			if i+1 >= len(lines) {
				break
			}
		}

		line1, line2 := lines[i], lines[i+1]
		if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
			logger.Warn("skipping malformed TLE entry", "line_index", i, "name", name)
			i++
			continue
		}

		e, err := FromLines(name, line1, line2)
		if err != nil {
			logger.Warn("skipping TLE entry", "name", name, "error", err)
			i += 2
			continue
		}
		out = append(out, e)
		i += 2
	}

	return out, nil
}

// parseEpoch converts a TLE epoch string in YYDDD.DDDDDDDD format to time.Time.
// Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	year, err := strconv.Atoi(s[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", s[:2], err)
	}
	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(s[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", s[2:], err)
	}

	// dayOfYear is 1-based: day 1 = Jan 1.
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return t.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour))), nil
}

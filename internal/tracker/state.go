package tracker

import (
	"time"

	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/passes"
	"github.com/star/passwatch/internal/repository"
	"github.com/star/passwatch/internal/tle"
)

// Phase is where the tracker is in a location-change cycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSearching    Phase = "searching"
	PhaseLocated      Phase = "located"
	PhaseScanning     Phase = "scanning"
	PhaseScanned      Phase = "scanned"
	PhaseNotFound     Phase = "not_found"
	PhaseSearchFailed Phase = "search_failed"
	PhaseDenied       Phase = "denied"
)

// User-facing error messages carried in State.Error.
const (
	MsgNotFound       = "Location not found."
	MsgSearchFailed   = "Search failed."
	MsgElementsFailed = "Could not load orbital data."
	MsgDenied         = "Location permission denied or unavailable."
	MsgScanFailed     = "Could not compute passes."
)

// ElementsInfo summarizes the loaded element set.
type ElementsInfo struct {
	NORADID  int       `json:"norad_id"`
	Name     string    `json:"name"`
	Epoch    time.Time `json:"epoch"`
	LoadedAt time.Time `json:"loaded_at"`
	Cached   bool      `json:"cached"`
}

// State is a point-in-time view of the tracker.
type State struct {
	Phase     Phase             `json:"phase"`
	Location  *geocode.Location `json:"location,omitempty"`
	Source    repository.Source `json:"source,omitempty"`
	Elements  *ElementsInfo     `json:"elements,omitempty"`
	Passes    []passes.Pass     `json:"passes"`
	Loading   bool              `json:"loading"`
	Error     string            `json:"error,omitempty"`
	Skipped   int               `json:"skipped_samples"`
	ScannedAt time.Time         `json:"scanned_at,omitzero"`
	UpdatedAt time.Time         `json:"updated_at"`
	Version   uint64            `json:"version"`
}

func (s State) clone() State {
	if s.Location != nil {
		loc := *s.Location
		s.Location = &loc
	}
	if s.Elements != nil {
		info := *s.Elements
		s.Elements = &info
	}
	s.Passes = append([]passes.Pass(nil), s.Passes...)
	return s
}

// machine is the reducer's full state. token identifies the latest location
// request; locGen and elGen change whenever the scan inputs change.
type machine struct {
	state    State
	token    uint64
	locGen   uint64
	elGen    uint64
	elements *tle.Elements
}

type message interface{ isMessage() }

type (
	// resolveStarted issues a new token, superseding any request in flight.
	resolveStarted struct{}

	resolveFailed struct {
		token  uint64
		phase  Phase
		reason string
	}

	located struct {
		token    uint64
		location geocode.Location
		source   repository.Source
	}

	// restored sets a location at startup if none is set yet.
	restored struct {
		location geocode.Location
		source   repository.Source
	}

	elementsLoaded struct {
		elements tle.Elements
		at       time.Time
		cached   bool
	}

	elementsFailed struct{}

	scanStarted struct{ locGen, elGen uint64 }

	scanDone struct {
		locGen, elGen uint64
		result        passes.Result
		at            time.Time
	}

	scanFailed struct {
		locGen, elGen uint64
		reason        string
	}
)

func (resolveStarted) isMessage() {}
func (resolveFailed) isMessage()  {}
func (located) isMessage()        {}
func (restored) isMessage()       {}
func (elementsLoaded) isMessage() {}
func (elementsFailed) isMessage() {}
func (scanStarted) isMessage()    {}
func (scanDone) isMessage()       {}
func (scanFailed) isMessage()     {}

// reduce applies msg to m. The second result is false when msg is stale and
// m is returned unchanged.
func reduce(m machine, msg message) (machine, bool) {
	switch msg := msg.(type) {
	case resolveStarted:
		m.token++
		m.state.Phase = PhaseSearching
		m.state.Loading = true
		m = clearError(m)

	case resolveFailed:
		if msg.token != m.token {
			return m, false
		}
		m.state.Phase = msg.phase
		m.state.Loading = false
		m.state.Error = msg.reason

	case located:
		if msg.token != m.token {
			return m, false
		}
		m = setLocation(m, msg.location, msg.source)

	case restored:
		if m.state.Location != nil {
			return m, false
		}
		m = setLocation(m, msg.location, msg.source)

	case elementsLoaded:
		el := msg.elements
		m.elements = &el
		m.elGen++
		m.state.Elements = &ElementsInfo{
			NORADID:  el.NORADID,
			Name:     el.Name,
			Epoch:    el.Epoch,
			LoadedAt: msg.at,
			Cached:   msg.cached,
		}
		m.state.Passes = nil
		m.state.Skipped = 0
		if m.state.Location != nil && m.state.Phase != PhaseSearching {
			m.state.Phase = PhaseLocated
		}
		if m.state.Error == MsgElementsFailed || m.state.Error == MsgScanFailed {
			m.state.Error = ""
		}

	case elementsFailed:
		m.state.Error = MsgElementsFailed

	case scanStarted:
		if !m.current(msg.locGen, msg.elGen) {
			return m, false
		}
		m.state.Loading = true
		if m.state.Phase != PhaseSearching {
			m.state.Phase = PhaseScanning
		}

	case scanDone:
		if !m.current(msg.locGen, msg.elGen) {
			return m, false
		}
		m.state.Passes = msg.result.Passes
		m.state.Skipped = msg.result.Skipped
		m.state.ScannedAt = msg.at
		if m.state.Phase == PhaseScanning {
			m.state.Phase = PhaseScanned
			m.state.Loading = false
		}

	case scanFailed:
		if !m.current(msg.locGen, msg.elGen) {
			return m, false
		}
		if m.state.Phase == PhaseScanning {
			m.state.Phase = PhaseLocated
			m.state.Loading = false
		}
		if msg.reason != "" {
			m.state.Error = msg.reason
		}

	default:
		return m, false
	}
	return m, true
}

func setLocation(m machine, loc geocode.Location, source repository.Source) machine {
	m.state.Location = &loc
	m.state.Source = source
	m.locGen++
	m.state.Passes = nil
	m.state.Skipped = 0
	m.state.Phase = PhaseLocated
	m.state.Loading = false
	return clearError(m)
}

// clearError drops the previous error, except a missing element set which
// still blocks scanning.
func clearError(m machine) machine {
	if m.elements == nil && m.state.Error == MsgElementsFailed {
		return m
	}
	m.state.Error = ""
	return m
}

func (m machine) current(locGen, elGen uint64) bool {
	return m.locGen == locGen && m.elGen == elGen
}

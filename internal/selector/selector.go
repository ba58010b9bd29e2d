// Package selector implements the playback fallback engine: given the
// server catalogs of an episode it hands out source candidates in
// priority order and advances on reported failures until a source
// plays or everything is exhausted.
package selector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/otakuhub/streamcore/internal/model"
)

var (
	// ErrNoStreams means neither audio track has any server.
	ErrNoStreams = errors.New("no streams available for either audio track")
	// ErrNoSources means a server entry offered zero candidates.
	ErrNoSources = errors.New("server entry has no source candidates")
	// ErrExhausted means every track, server and candidate has been tried.
	ErrExhausted = errors.New("all audio tracks and servers exhausted")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAttempting
	PhasePlaying
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAttempting:
		return "attempting"
	case PhasePlaying:
		return "playing"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Route distinguishes the two ways a candidate can be opened.
type Route string

const (
	RouteProxy  Route = "proxy"
	RouteDirect Route = "direct"
)

// Attempt is one concrete thing to hand to the player: a URL plus the
// headers bound to the candidate it came from. Proxy attempts carry no
// headers; the relay attaches them server-side.
type Attempt struct {
	Track       model.AudioTrack  `json:"track"`
	ServerIndex int               `json:"server_index"`
	ServerName  string            `json:"server_name"`
	SourceIndex int               `json:"source_index"`
	Route       Route             `json:"route"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Kind        model.MediaKind   `json:"media_kind"`
	Quality     string            `json:"quality,omitempty"`
}

// Config bounds the fallback cascade. MaxRetriesPerServer is the
// number of full passes over a server's candidate list before the
// server is abandoned. Zero values take defaults.
type Config struct {
	MaxRetriesPerServer int
	MaxServersTotal     int
}

func (c Config) withDefaults() Config {
	if c.MaxRetriesPerServer <= 0 {
		c.MaxRetriesPerServer = 2
	}
	if c.MaxServersTotal <= 0 {
		c.MaxServersTotal = 6
	}
	return c
}

// State is a snapshot of the engine's working state.
type State struct {
	Phase        Phase            `json:"-"`
	PhaseName    string           `json:"phase"`
	Track        model.AudioTrack `json:"track"`
	ServerIndex  int              `json:"server_index"`
	AttemptIndex int              `json:"attempt_index"`
	Retries      int              `json:"retries"`
	ServersTried int              `json:"servers_tried"`
	Started      bool             `json:"playback_started"`
}

// attemptRef addresses one expanded attempt within a server entry.
type attemptRef struct {
	source int
	route  Route
}

// expand orders a server's candidates into attempts: for each
// candidate the proxy URL first when present, then the direct URL.
// The direct attempt is never skipped because of a proxy failure.
func expand(entry model.ServerEntry) []attemptRef {
	refs := make([]attemptRef, 0, len(entry.Sources)*2)
	for i, src := range entry.Sources {
		if src.ProxyURL != "" {
			refs = append(refs, attemptRef{source: i, route: RouteProxy})
		}
		if src.DirectURL != "" {
			refs = append(refs, attemptRef{source: i, route: RouteDirect})
		}
	}
	return refs
}

// Engine drives the fallback state machine. All transitions, automatic
// and manual, go through the same mutex so a UI-triggered switch can
// never race an automatic advance.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	catalogs map[model.AudioTrack]model.StreamCatalog
	switched bool // automatic track switch already spent
	st       State
}

// New builds an engine over the two catalogs. The preferred track is
// tried first; if it is empty the other becomes the starting track.
// Both empty is ErrNoStreams.
func New(original, dubbed model.StreamCatalog, preferred model.AudioTrack, cfg Config) (*Engine, error) {
	if original.Empty() && dubbed.Empty() {
		return nil, ErrNoStreams
	}
	if !preferred.Valid() {
		preferred = model.TrackOriginal
	}
	catalogs := map[model.AudioTrack]model.StreamCatalog{
		model.TrackOriginal: original,
		model.TrackDubbed:   dubbed,
	}
	start := preferred
	if catalogs[start].Empty() {
		start = start.Other()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		catalogs: catalogs,
		st:       State{Phase: PhaseIdle, Track: start},
	}, nil
}

// Start positions the engine at the first viable attempt.
func (e *Engine) Start() (Attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Phase != PhaseIdle {
		return e.currentLocked()
	}
	if !e.moveTo(e.st.Track, 0) {
		return Attempt{}, ErrExhausted
	}
	return e.currentLocked()
}

// Current returns the attempt the engine is positioned at.
func (e *Engine) Current() (Attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLocked()
}

func (e *Engine) currentLocked() (Attempt, error) {
	if e.st.Phase != PhaseAttempting && e.st.Phase != PhasePlaying {
		if e.st.Phase == PhaseExhausted {
			return Attempt{}, ErrExhausted
		}
		return Attempt{}, errors.New("engine not started")
	}
	entry := e.catalogs[e.st.Track].Servers[e.st.ServerIndex]
	ref := expand(entry)[e.st.AttemptIndex]
	cand := entry.Sources[ref.source]

	a := Attempt{
		Track:       e.st.Track,
		ServerIndex: e.st.ServerIndex,
		ServerName:  entry.Name,
		SourceIndex: ref.source,
		Route:       ref.route,
		Kind:        cand.Kind,
		Quality:     cand.Quality,
	}
	if ref.route == RouteProxy {
		a.URL = cand.ProxyURL
	} else {
		a.URL = cand.DirectURL
		a.Headers = cand.Headers
	}
	return a, nil
}

// ReportSuccess records a positive playback signal. From then on
// failure reports are ignored for this session: a transient hiccup
// after a successful start must not restart playback elsewhere.
func (e *Engine) ReportSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Phase != PhaseAttempting {
		return
	}
	e.st.Phase = PhasePlaying
	e.st.Started = true
}

// ReportFailure advances the machine per the fallback rules: the next
// candidate attempt within the current pass, a fresh pass over the
// same server while retry passes remain, then the next server. It
// returns the next attempt, or ErrExhausted once nothing is left.
// After a reported success it is a no-op returning the held attempt.
func (e *Engine) ReportFailure() (Attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.st.Phase {
	case PhasePlaying:
		// Sticky success: late errors never discard working playback.
		return e.currentLocked()
	case PhaseExhausted:
		return Attempt{}, ErrExhausted
	case PhaseIdle:
		return Attempt{}, errors.New("engine not started")
	}

	// Advancement within a pass is unconditional: a proxy failure
	// never costs the candidate its direct attempt.
	entry := e.catalogs[e.st.Track].Servers[e.st.ServerIndex]
	if e.st.AttemptIndex+1 < len(expand(entry)) {
		e.st.AttemptIndex++
		return e.currentLocked()
	}

	// End of the candidate list: one full pass over this server is
	// spent. Wrap around while passes remain, so a proxy-only
	// candidate gets retried the same as a longer list.
	e.st.Retries++
	if e.st.Retries < e.cfg.MaxRetriesPerServer {
		e.st.AttemptIndex = 0
		return e.currentLocked()
	}
	if !e.moveTo(e.st.Track, e.st.ServerIndex+1) {
		return Attempt{}, ErrExhausted
	}
	return e.currentLocked()
}

// SwitchTo is the manual override. It repositions the engine at the
// given server, clears the sticky-success flag, and grants a fresh
// server budget for any automatic fallback that follows.
func (e *Engine) SwitchTo(track model.AudioTrack, serverIndex int) (Attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !track.Valid() {
		return Attempt{}, fmt.Errorf("unknown audio track %q", track)
	}
	servers := e.catalogs[track].Servers
	if serverIndex < 0 || serverIndex >= len(servers) {
		return Attempt{}, fmt.Errorf("server index %d out of range for %s track", serverIndex, track)
	}
	if len(expand(servers[serverIndex])) == 0 {
		return Attempt{}, ErrNoSources
	}

	e.switched = false
	e.st = State{
		Phase:        PhaseAttempting,
		Track:        track,
		ServerIndex:  serverIndex,
		ServersTried: 1,
	}
	return e.currentLocked()
}

// State returns a snapshot of the working state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st
	st.PhaseName = st.Phase.String()
	return st
}

// Catalog returns the (immutable) catalog for a track.
func (e *Engine) Catalog(track model.AudioTrack) model.StreamCatalog {
	return e.catalogs[track]
}

// ActiveServer returns the server entry of the current attempt.
func (e *Engine) ActiveServer() (model.ServerEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Phase != PhaseAttempting && e.st.Phase != PhasePlaying {
		return model.ServerEntry{}, false
	}
	return e.catalogs[e.st.Track].Servers[e.st.ServerIndex], true
}

// moveTo enters the first viable server at or after serverIndex on the
// given track, switching tracks at most once. Every entry entered,
// including empty ones, consumes one slot of the server budget.
// Returns false after transitioning to PhaseExhausted.
func (e *Engine) moveTo(track model.AudioTrack, serverIndex int) bool {
	for {
		servers := e.catalogs[track].Servers
		if serverIndex >= len(servers) {
			other := track.Other()
			if !e.switched && !e.catalogs[other].Empty() {
				e.switched = true
				track = other
				serverIndex = 0
				continue
			}
			e.st.Phase = PhaseExhausted
			return false
		}
		if e.st.ServersTried >= e.cfg.MaxServersTotal {
			e.st.Phase = PhaseExhausted
			return false
		}
		e.st.ServersTried++
		if len(expand(servers[serverIndex])) == 0 {
			// Empty entry: an immediate server-level failure, no retry.
			serverIndex++
			continue
		}
		e.st.Track = track
		e.st.ServerIndex = serverIndex
		e.st.AttemptIndex = 0
		e.st.Retries = 0
		e.st.Phase = PhaseAttempting
		return true
	}
}

// Package session owns the per-playback-request lifecycle: it loads
// the catalogs, drives the fallback engine, holds the active caption
// track's cues, and answers skip-window queries. One session per
// player screen; navigating away closes it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otakuhub/streamcore/internal/log"
	"github.com/otakuhub/streamcore/internal/metrics"
	"github.com/otakuhub/streamcore/internal/model"
	"github.com/otakuhub/streamcore/internal/selector"
	"github.com/otakuhub/streamcore/internal/subtitle"
)

// ErrNotFound means the session id is unknown or already closed.
var ErrNotFound = errors.New("session not found")

// Loader fetches the two audio-track catalogs for an episode.
type Loader interface {
	LoadCatalogs(ctx context.Context, episodeID string, includeProxy bool) (original, dubbed model.StreamCatalog, err error)
}

// CaptionFetcher retrieves the raw text of a caption file.
type CaptionFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type Session struct {
	ID        string
	EpisodeID string

	engine *selector.Engine

	mu           sync.Mutex
	cues         subtitle.CueList
	captionIndex int // -1 while no caption track is selected
	cueServer    int // server index the cues were loaded for
	cueTrack     model.AudioTrack
	lastAccess   time.Time

	// Cancelled on Close; all session-scoped fetches hang off this.
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// Candidate returns the attempt the engine currently points at.
func (s *Session) Candidate() (selector.Attempt, error) {
	s.touch()
	return s.engine.Current()
}

// State returns the engine's working-state snapshot.
func (s *Session) State() selector.State {
	return s.engine.State()
}

// Catalog exposes the loaded (immutable) catalog for a track.
func (s *Session) Catalog(track model.AudioTrack) model.StreamCatalog {
	return s.engine.Catalog(track)
}

// ReportOutcome feeds a playback signal into the engine. On failure it
// returns the next attempt to try, or selector.ErrExhausted. Cues are
// dropped whenever the active server changes, since caption tracks
// belong to a server entry.
func (s *Session) ReportOutcome(success bool) (selector.Attempt, error) {
	s.touch()
	if success {
		metrics.AttemptOutcomeTotal.WithLabelValues("success").Inc()
		s.engine.ReportSuccess()
		return s.engine.Current()
	}

	metrics.AttemptOutcomeTotal.WithLabelValues("failure").Inc()
	next, err := s.engine.ReportFailure()
	if errors.Is(err, selector.ErrExhausted) {
		metrics.SessionsExhaustedTotal.Inc()
		return selector.Attempt{}, err
	}
	if err != nil {
		return selector.Attempt{}, err
	}
	s.invalidateCuesIfMoved(next)
	return next, nil
}

// Switch is the manual server override.
func (s *Session) Switch(track model.AudioTrack, serverIndex int) (selector.Attempt, error) {
	s.touch()
	attempt, err := s.engine.SwitchTo(track, serverIndex)
	if err != nil {
		return selector.Attempt{}, err
	}
	s.invalidateCuesIfMoved(attempt)
	return attempt, nil
}

func (s *Session) invalidateCuesIfMoved(attempt selector.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captionIndex >= 0 && (attempt.ServerIndex != s.cueServer || attempt.Track != s.cueTrack) {
		s.cues = subtitle.CueList{}
		s.captionIndex = -1
	}
}

// SelectCaption fetches and parses one of the active server's caption
// tracks. The fetch is bound to the session context so Close aborts it.
func (s *Session) SelectCaption(ctx context.Context, fetcher CaptionFetcher, index int) (int, error) {
	s.touch()
	entry, ok := s.engine.ActiveServer()
	if !ok {
		return 0, errors.New("no active server")
	}
	if index < 0 || index >= len(entry.Captions) {
		return 0, errors.New("caption index out of range")
	}

	fetchCtx, cancel := mergeContexts(ctx, s.ctx)
	defer cancel()

	raw, err := fetcher.Fetch(fetchCtx, entry.Captions[index].FileURL)
	if err != nil {
		return 0, err
	}
	cues := subtitle.Parse(raw)

	st := s.engine.State()
	s.mu.Lock()
	s.cues = cues
	s.captionIndex = index
	s.cueServer = st.ServerIndex
	s.cueTrack = st.Track
	s.mu.Unlock()
	return cues.Len(), nil
}

// CueText returns the caption active at the playback position.
func (s *Session) CueText(position time.Duration) string {
	s.touch()
	s.mu.Lock()
	cues := s.cues
	s.mu.Unlock()
	return cues.ActiveText(position)
}

// SkipState reports whether the position lies inside the active
// server's intro or outro window.
func (s *Session) SkipState(position float64) (intro, outro bool) {
	s.touch()
	entry, ok := s.engine.ActiveServer()
	if !ok {
		return false, false
	}
	if entry.Intro != nil {
		intro = entry.Intro.Contains(position)
	}
	if entry.Outro != nil {
		outro = entry.Outro.Contains(position)
	}
	return intro, outro
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// mergeContexts returns a context cancelled when either parent is.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Manager tracks open sessions and expires idle ones.
type Manager struct {
	loader   Loader
	captions CaptionFetcher
	selCfg   selector.Config
	ttl      time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(loader Loader, captions CaptionFetcher, selCfg selector.Config, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{
		loader:   loader,
		captions: captions,
		selCfg:   selCfg,
		ttl:      ttl,
		logger:   log.WithComponent("session"),
		sessions: make(map[string]*Session),
	}
}

// Open loads the episode's catalogs and starts the fallback engine at
// its first candidate. Both tracks empty is selector.ErrNoStreams.
func (m *Manager) Open(ctx context.Context, episodeID string, includeProxy bool, preferred model.AudioTrack) (*Session, selector.Attempt, error) {
	original, dubbed, err := m.loader.LoadCatalogs(ctx, episodeID, includeProxy)
	if err != nil {
		return nil, selector.Attempt{}, err
	}

	engine, err := selector.New(original, dubbed, preferred, m.selCfg)
	if err != nil {
		return nil, selector.Attempt{}, err
	}
	attempt, err := engine.Start()
	if err != nil {
		// Servers existed but none offered a single candidate.
		return nil, selector.Attempt{}, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           uuid.NewString(),
		EpisodeID:    episodeID,
		engine:       engine,
		captionIndex: -1,
		cueServer:    attempt.ServerIndex,
		cueTrack:     attempt.Track,
		lastAccess:   time.Now(),
		ctx:          sctx,
		cancel:       cancel,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	m.logger.Info().
		Str("session_id", s.ID).
		Str("episode_id", episodeID).
		Str("track", string(attempt.Track)).
		Str("server", attempt.ServerName).
		Msg("session opened")
	return s, attempt, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// SelectCaption runs the caption fetch with the manager's fetcher.
func (m *Manager) SelectCaption(ctx context.Context, id string, index int) (int, error) {
	s, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return s.SelectCaption(ctx, m.captions, index)
}

// Close cancels a session's in-flight work and removes it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.cancel()
	metrics.ActiveSessions.Dec()
	m.logger.Info().Str("session_id", id).Msg("session closed")
	return nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RunJanitor expires sessions idle past the TTL until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	expired := make([]*Session, 0)
	for id, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.ttl {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.cancel()
		metrics.ActiveSessions.Dec()
		m.logger.Info().Str("session_id", s.ID).Msg("idle session expired")
	}
}

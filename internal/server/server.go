// Package server exposes the stream resolution engine over HTTP to
// the mobile client: session lifecycle, fallback outcomes, captions,
// skip windows, the download queue and the proxy relay.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/otakuhub/streamcore/internal/config"
	"github.com/otakuhub/streamcore/internal/db"
	"github.com/otakuhub/streamcore/internal/download"
	"github.com/otakuhub/streamcore/internal/library"
	"github.com/otakuhub/streamcore/internal/log"
	"github.com/otakuhub/streamcore/internal/model"
	"github.com/otakuhub/streamcore/internal/selector"
	"github.com/otakuhub/streamcore/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	repo     *db.Repository
	worker   *download.Worker
	events   *EventBus
	logger   zerolog.Logger
}

func New(cfg config.Config, sessions *session.Manager, repo *db.Repository, worker *download.Worker, events *EventBus) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		repo:     repo,
		worker:   worker,
		events:   events,
		logger:   log.WithComponent("http"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/events", s.handleEvents)
		api.Get("/proxy", s.handleProxy)

		api.Post("/sessions", s.handleOpenSession)
		api.Route("/sessions/{id}", func(sr chi.Router) {
			sr.Get("/", s.handleGetSession)
			sr.Delete("/", s.handleCloseSession)
			sr.Get("/candidate", s.handleCandidate)
			sr.Post("/outcome", s.handleOutcome)
			sr.Post("/server", s.handleSwitchServer)
			sr.Get("/captions", s.handleListCaptions)
			sr.Post("/captions", s.handleSelectCaption)
			sr.Get("/cue", s.handleCue)
			sr.Get("/skip", s.handleSkip)
		})

		api.Post("/downloads", s.handleEnqueueDownload)
		api.Get("/downloads", s.handleListDownloads)
		api.Get("/library", s.handleLibrary)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         "streamcore",
		"time":            time.Now().UTC().Format(time.RFC3339),
		"active_sessions": s.sessions.Count(),
	})
}

type openSessionRequest struct {
	EpisodeID      string `json:"episode_id"`
	IncludeProxy   bool   `json:"include_proxy"`
	PreferredTrack string `json:"preferred_track"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var payload openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(payload.EpisodeID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("episode_id cannot be empty"))
		return
	}
	preferred := model.AudioTrack(payload.PreferredTrack)
	if payload.PreferredTrack != "" && !preferred.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("preferred_track must be %q or %q", model.TrackOriginal, model.TrackDubbed))
		return
	}

	sess, attempt, err := s.sessions.Open(r.Context(), payload.EpisodeID, payload.IncludeProxy, preferred)
	if err != nil {
		if errors.Is(err, selector.ErrNoStreams) || errors.Is(err, selector.ErrExhausted) {
			writeError(w, http.StatusBadGateway, errors.New("no streams available for this episode"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.events.Publish("session.opened", map[string]any{
		"session_id": sess.ID,
		"episode_id": sess.EpisodeID,
		"server":     attempt.ServerName,
	})
	writeJSON(w, http.StatusCreated, s.snapshot(sess, &attempt))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var attempt *selector.Attempt
	if a, err := sess.Candidate(); err == nil {
		attempt = &a
	}
	writeJSON(w, http.StatusOK, s.snapshot(sess, attempt))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Close(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.events.Publish("session.closed", map[string]string{"session_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	attempt, err := sess.Candidate()
	if err != nil {
		if errors.Is(err, selector.ErrExhausted) {
			writeError(w, http.StatusGone, errors.New("all servers failed"))
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

type outcomeRequest struct {
	Result string `json:"result"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if payload.Result != "success" && payload.Result != "failure" {
		writeError(w, http.StatusBadRequest, errors.New(`result must be "success" or "failure"`))
		return
	}

	attempt, err := sess.ReportOutcome(payload.Result == "success")
	if err != nil {
		if errors.Is(err, selector.ErrExhausted) {
			s.events.Publish("session.exhausted", map[string]string{"session_id": sess.ID})
			writeError(w, http.StatusBadGateway, errors.New("all servers failed"))
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}

	if payload.Result == "success" {
		s.events.Publish("session.playing", map[string]any{
			"session_id": sess.ID,
			"server":     attempt.ServerName,
		})
	} else {
		s.events.Publish("session.advanced", map[string]any{
			"session_id": sess.ID,
			"server":     attempt.ServerName,
			"route":      attempt.Route,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     sess.State(),
		"candidate": attempt,
	})
}

type switchRequest struct {
	Track       string `json:"track"`
	ServerIndex int    `json:"server_index"`
}

func (s *Server) handleSwitchServer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload switchRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	attempt, err := sess.Switch(model.AudioTrack(payload.Track), payload.ServerIndex)
	if err != nil {
		if errors.Is(err, selector.ErrNoSources) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.events.Publish("session.switched", map[string]any{
		"session_id": sess.ID,
		"server":     attempt.ServerName,
		"track":      attempt.Track,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     sess.State(),
		"candidate": attempt,
	})
}

func (s *Server) handleListCaptions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st := sess.State()
	entry := activeEntry(sess, st)
	if entry == nil {
		writeJSON(w, http.StatusOK, []model.CaptionTrack{})
		return
	}
	writeJSON(w, http.StatusOK, entry.Captions)
}

type captionRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleSelectCaption(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload captionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	count, err := s.sessions.SelectCaption(r.Context(), sess.ID, payload.Index)
	if err != nil {
		// A caption failure disables captions; playback is untouched.
		writeError(w, http.StatusBadGateway, fmt.Errorf("caption track unavailable: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": payload.Index, "cues": count})
}

func (s *Server) handleCue(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	position, err := parsePosition(r.URL.Query().Get("position"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	text := sess.CueText(time.Duration(position * float64(time.Second)))
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	position, err := parsePosition(r.URL.Query().Get("position"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	intro, outro := sess.SkipState(position)
	writeJSON(w, http.StatusOK, map[string]bool{"intro": intro, "outro": outro})
}

type enqueueDownloadRequest struct {
	SessionID string `json:"session_id"`
}

// handleEnqueueDownload queues the direct URL of the session's current
// candidate with the headers bound to that candidate.
func (s *Server) handleEnqueueDownload(w http.ResponseWriter, r *http.Request) {
	var payload enqueueDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	sess, err := s.sessions.Get(payload.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	attempt, err := sess.Candidate()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	cand := sess.Catalog(attempt.Track).Servers[attempt.ServerIndex].Sources[attempt.SourceIndex]
	job, err := s.worker.Enqueue(r.Context(), sess.EpisodeID, cand.DirectURL, cand.Headers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	jobs, err := s.repo.ListDownloads(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleLibrary(w http.ResponseWriter, _ *http.Request) {
	result, err := library.Scan(s.cfg.DownloadDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	stream := s.events.Subscribe()
	defer s.events.Unsubscribe(stream)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-stream:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return sess, true
}

type serverInfo struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Sources  int    `json:"sources"`
	Captions int    `json:"captions"`
}

type sessionSnapshot struct {
	SessionID string                  `json:"session_id"`
	EpisodeID string                  `json:"episode_id"`
	State     selector.State          `json:"state"`
	Candidate *selector.Attempt       `json:"candidate,omitempty"`
	Servers   map[string][]serverInfo `json:"servers"`
}

func (s *Server) snapshot(sess *session.Session, attempt *selector.Attempt) sessionSnapshot {
	servers := make(map[string][]serverInfo, 2)
	for _, track := range []model.AudioTrack{model.TrackOriginal, model.TrackDubbed} {
		catalog := sess.Catalog(track)
		infos := make([]serverInfo, 0, len(catalog.Servers))
		for i, entry := range catalog.Servers {
			infos = append(infos, serverInfo{
				Index:    i,
				Name:     entry.Name,
				Sources:  len(entry.Sources),
				Captions: len(entry.Captions),
			})
		}
		servers[string(track)] = infos
	}
	return sessionSnapshot{
		SessionID: sess.ID,
		EpisodeID: sess.EpisodeID,
		State:     sess.State(),
		Candidate: attempt,
		Servers:   servers,
	}
}

func activeEntry(sess *session.Session, st selector.State) *model.ServerEntry {
	if st.Phase != selector.PhaseAttempting && st.Phase != selector.PhasePlaying {
		return nil
	}
	catalog := sess.Catalog(st.Track)
	if st.ServerIndex < 0 || st.ServerIndex >= len(catalog.Servers) {
		return nil
	}
	return &catalog.Servers[st.ServerIndex]
}

func parsePosition(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("position parameter is required")
	}
	position, err := strconv.ParseFloat(raw, 64)
	if err != nil || position < 0 {
		return 0, errors.New("position must be a non-negative number of seconds")
	}
	return position, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

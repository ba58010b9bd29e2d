package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakuhub/streamcore/internal/config"
	"github.com/otakuhub/streamcore/internal/db"
	"github.com/otakuhub/streamcore/internal/download"
	"github.com/otakuhub/streamcore/internal/hianime"
	"github.com/otakuhub/streamcore/internal/selector"
	"github.com/otakuhub/streamcore/internal/session"
	"github.com/otakuhub/streamcore/internal/subtitle"
)

// testStack wires the real packages together over httptest fakes for
// the upstream scraper API and the media CDN.
type testStack struct {
	api *httptest.Server
	cdn *httptest.Server
}

func newTestStack(t *testing.T, selCfg selector.Config, emptyCatalogs bool, allowedHosts []string) *testStack {
	t.Helper()

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/en.vtt":
			w.Header().Set("Content-Type", "text/vtt")
			_, _ = io.WriteString(w, "WEBVTT\n\n00:00:01.000 --> 00:00:03.000\nKonbanwa")
		default:
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("segment bytes"))
		}
	}))
	t.Cleanup(cdn.Close)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if emptyCatalogs || r.URL.Query().Get("track") == "dubbed" {
			_, _ = io.WriteString(w, `{"servers":[]}`)
			return
		}
		payload := map[string]any{
			"servers": []map[string]any{
				{
					"name": "HD-1",
					"sources": []map[string]any{
						{
							"url":     cdn.URL + "/seg.mp4",
							"proxy":   "/api/v1/proxy?url=abc",
							"kind":    "hls",
							"headers": map[string]string{"Referer": "https://megacloud.tv/"},
						},
					},
					"captions": []map[string]any{
						{"file": cdn.URL + "/en.vtt", "label": "English", "kind": "captions"},
					},
					"intro": map[string]float64{"start": 10, "end": 95},
				},
				{
					"name": "HD-2",
					"sources": []map[string]any{
						{"url": cdn.URL + "/seg2.mp4", "kind": "hls"},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(upstream.Close)

	database, err := db.Open(filepath.Join(t.TempDir(), "streamcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	repo := db.NewRepository(database)

	events := NewEventBus()
	loader := hianime.NewClient(upstream.URL, time.Second)
	captions := subtitle.NewFetcher(time.Second)
	sessions := session.NewManager(loader, captions, selCfg, time.Hour)
	downloadDir := t.TempDir()
	worker := download.NewWorker(repo, downloadDir, 2, events)

	cfg := config.Config{DownloadDir: downloadDir, ProxyAllowedHosts: allowedHosts}
	srv := New(cfg, sessions, repo, worker, events)
	api := httptest.NewServer(srv.Routes())
	t.Cleanup(api.Close)

	return &testStack{api: api, cdn: cdn}
}

func defaultStack(t *testing.T) *testStack {
	return newTestStack(t, selector.Config{MaxRetriesPerServer: 2, MaxServersTotal: 6}, false, nil)
}

func (ts *testStack) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.api.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func (ts *testStack) openSession(t *testing.T) (string, map[string]any) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"episode_id":    "frieren-1",
		"include_proxy": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	return id, body
}

func TestHealth(t *testing.T) {
	ts := defaultStack(t)
	resp, body := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSessionLifecycle(t *testing.T) {
	ts := defaultStack(t)
	id, body := ts.openSession(t)

	candidate := body["candidate"].(map[string]any)
	assert.Equal(t, "proxy", candidate["route"])
	assert.Equal(t, "HD-1", candidate["server_name"])
	state := body["state"].(map[string]any)
	assert.Equal(t, "attempting", state["phase"])

	// Proxy attempt failed: the direct URL with bound headers is next.
	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/outcome", map[string]string{"result": "failure"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	candidate = body["candidate"].(map[string]any)
	assert.Equal(t, "direct", candidate["route"])
	headers := candidate["headers"].(map[string]any)
	assert.Equal(t, "https://megacloud.tv/", headers["Referer"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/outcome", map[string]string{"result": "success"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = body["state"].(map[string]any)
	assert.Equal(t, "playing", state["phase"])
	assert.Equal(t, true, state["playback_started"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/skip?position=30", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["intro"])
	assert.Equal(t, false, body["outro"])

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/candidate", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenSessionValidation(t *testing.T) {
	ts := defaultStack(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"episode_id": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"episode_id":      "ep-1",
		"preferred_track": "remix",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/nope/candidate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenSessionNoStreams(t *testing.T) {
	ts := newTestStack(t, selector.Config{MaxRetriesPerServer: 2, MaxServersTotal: 6}, true, nil)
	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"episode_id": "ep-1"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "no streams available")
}

func TestOutcomeExhaustion(t *testing.T) {
	ts := newTestStack(t, selector.Config{MaxRetriesPerServer: 1, MaxServersTotal: 1}, false, nil)
	id, _ := ts.openSession(t)

	// HD-1's direct attempt is still offered after the proxy failure.
	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/outcome", map[string]string{"result": "failure"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	candidate := body["candidate"].(map[string]any)
	assert.Equal(t, "direct", candidate["route"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/outcome", map[string]string{"result": "failure"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "all servers failed")

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/candidate", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestCaptionFlow(t *testing.T) {
	ts := defaultStack(t)
	id, _ := ts.openSession(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/captions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/captions", map[string]int{"index": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["cues"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/cue?position=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Konbanwa", body["text"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/cue?position=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", body["text"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/cue", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/captions", map[string]int{"index": 9})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "caption track unavailable")
}

func TestSwitchServer(t *testing.T) {
	ts := defaultStack(t)
	id, _ := ts.openSession(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/server", map[string]any{
		"track":        "original",
		"server_index": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	candidate := body["candidate"].(map[string]any)
	assert.Equal(t, "HD-2", candidate["server_name"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/server", map[string]any{
		"track":        "original",
		"server_index": 9,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadEnqueueAndList(t *testing.T) {
	ts := defaultStack(t)
	id, _ := ts.openSession(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/downloads", map[string]string{"session_id": id})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", body["status"])

	req, err := http.NewRequest(http.MethodGet, ts.api.URL+"/api/v1/downloads", nil)
	require.NoError(t, err)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var jobs []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0]["id"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/downloads", map[string]string{"session_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLibraryEndpointEmpty(t *testing.T) {
	ts := defaultStack(t)
	resp, body := ts.do(t, http.MethodGet, "/api/v1/library", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["total"])
}

func TestProxyRelay(t *testing.T) {
	var gotReferer, gotOrigin, gotRange string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotOrigin = r.Header.Get("Origin")
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("ts segment"))
	}))
	defer origin.Close()

	ts := defaultStack(t)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(origin.URL + "/seg-1.ts"))
	target := fmt.Sprintf("/api/v1/proxy?url=%s&referer=%s", encoded, "https://megacloud.tv/embed")

	req, err := http.NewRequest(http.MethodGet, ts.api.URL+target, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-1023")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ts segment", string(data))
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "https://megacloud.tv/embed", gotReferer)
	assert.Equal(t, "https://megacloud.tv", gotOrigin)
	assert.Equal(t, "bytes=0-1023", gotRange)
}

func TestProxyValidation(t *testing.T) {
	ts := newTestStack(t, selector.Config{MaxRetriesPerServer: 2, MaxServersTotal: 6}, false, []string{"allowed.example"})

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/proxy", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	encoded := base64.RawURLEncoding.EncodeToString([]byte("ftp://host/file"))
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/proxy?url="+encoded, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	encoded = base64.RawURLEncoding.EncodeToString([]byte("http://evil.example/x"))
	resp, body := ts.do(t, http.MethodGet, "/api/v1/proxy?url="+encoded, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "not allowed")
}

func TestDecodeProxyURLAcceptsPlainAndBase64(t *testing.T) {
	plain, err := decodeProxyURL("https://cdn.example/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "cdn.example", plain.Hostname())

	encoded := base64.StdEncoding.EncodeToString([]byte("https://cdn.example/master.m3u8"))
	decoded, err := decodeProxyURL(encoded)
	require.NoError(t, err)
	assert.Equal(t, plain.String(), decoded.String())
}

func TestHostAllowedSuffixMatch(t *testing.T) {
	s := &Server{cfg: config.Config{ProxyAllowedHosts: []string{"megacloud.tv"}}}
	assert.True(t, s.hostAllowed("megacloud.tv"))
	assert.True(t, s.hostAllowed("cdn.MEGACLOUD.tv"))
	assert.False(t, s.hostAllowed("notmegacloud.tv"))

	open := &Server{cfg: config.Config{}}
	assert.True(t, open.hostAllowed("anything.example"))
}

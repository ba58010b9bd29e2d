// Package hianime is the client for the upstream streaming-metadata
// API. It fetches the raw server listings for an episode and
// normalizes them into catalogs, validating the schema strictly at the
// decode boundary.
package hianime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/otakuhub/streamcore/internal/log"
	"github.com/otakuhub/streamcore/internal/metrics"
	"github.com/otakuhub/streamcore/internal/model"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     log.WithComponent("hianime"),
	}
}

// Upstream response shapes. Every required field is checked after
// decoding; missing ones fail the whole track rather than defaulting.
type trackResponse struct {
	Servers []serverJSON `json:"servers"`
}

type serverJSON struct {
	Name     string        `json:"name"`
	Sources  []sourceJSON  `json:"sources"`
	Captions []captionJSON `json:"captions"`
	Intro    *windowJSON   `json:"intro"`
	Outro    *windowJSON   `json:"outro"`
}

type sourceJSON struct {
	URL     string            `json:"url"`
	Proxy   string            `json:"proxy"`
	Kind    string            `json:"kind"`
	Headers map[string]string `json:"headers"`
	Quality string            `json:"quality"`
}

type captionJSON struct {
	File  string `json:"file"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

type windowJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// LoadCatalogs fetches the original and dubbed listings concurrently.
// A failed or invalid track degrades to an empty catalog so the other
// track can still serve; the caller decides what both-empty means.
func (c *Client) LoadCatalogs(ctx context.Context, episodeID string, includeProxy bool) (original, dubbed model.StreamCatalog, err error) {
	if strings.TrimSpace(episodeID) == "" {
		return model.StreamCatalog{}, model.StreamCatalog{}, errors.New("episode id is empty")
	}

	var errOriginal, errDubbed error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		original, errOriginal = c.FetchCatalog(gctx, episodeID, model.TrackOriginal, includeProxy)
		return nil
	})
	g.Go(func() error {
		dubbed, errDubbed = c.FetchCatalog(gctx, episodeID, model.TrackDubbed, includeProxy)
		return nil
	})
	_ = g.Wait()

	if errOriginal != nil {
		c.logger.Warn().Err(errOriginal).Str("episode_id", episodeID).Msg("original track degraded to empty catalog")
		original = model.StreamCatalog{EpisodeID: episodeID, Track: model.TrackOriginal}
	}
	if errDubbed != nil {
		c.logger.Warn().Err(errDubbed).Str("episode_id", episodeID).Msg("dubbed track degraded to empty catalog")
		dubbed = model.StreamCatalog{EpisodeID: episodeID, Track: model.TrackDubbed}
	}

	return original, dubbed, nil
}

// FetchCatalog retrieves and normalizes one track's server listing.
func (c *Client) FetchCatalog(ctx context.Context, episodeID string, track model.AudioTrack, includeProxy bool) (model.StreamCatalog, error) {
	u, err := url.Parse(fmt.Sprintf("%s/stream/%s", c.baseURL, url.PathEscape(episodeID)))
	if err != nil {
		return model.StreamCatalog{}, err
	}
	params := u.Query()
	params.Set("track", string(track))
	params.Set("includeProxy", fmt.Sprintf("%t", includeProxy))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.StreamCatalog{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.CatalogFetchTotal.WithLabelValues(string(track), "error").Inc()
		return model.StreamCatalog{}, fmt.Errorf("catalog fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.CatalogFetchTotal.WithLabelValues(string(track), "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return model.StreamCatalog{}, fmt.Errorf("catalog fetch failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.CatalogFetchTotal.WithLabelValues(string(track), "error").Inc()
		return model.StreamCatalog{}, fmt.Errorf("catalog decode: %w", err)
	}

	catalog, err := normalize(episodeID, track, payload)
	if err != nil {
		metrics.CatalogFetchTotal.WithLabelValues(string(track), "invalid").Inc()
		return model.StreamCatalog{}, err
	}
	metrics.CatalogFetchTotal.WithLabelValues(string(track), "ok").Inc()
	return catalog, nil
}

func normalize(episodeID string, track model.AudioTrack, payload trackResponse) (model.StreamCatalog, error) {
	catalog := model.StreamCatalog{
		EpisodeID: episodeID,
		Track:     track,
		Servers:   make([]model.ServerEntry, 0, len(payload.Servers)),
	}

	for i, srv := range payload.Servers {
		if strings.TrimSpace(srv.Name) == "" {
			return model.StreamCatalog{}, fmt.Errorf("server %d: name is empty", i)
		}
		entry := model.ServerEntry{
			Name:    srv.Name,
			Track:   track,
			Sources: make([]model.SourceCandidate, 0, len(srv.Sources)),
		}
		for j, src := range srv.Sources {
			if strings.TrimSpace(src.URL) == "" {
				return model.StreamCatalog{}, fmt.Errorf("server %q source %d: url is empty", srv.Name, j)
			}
			kind := model.MediaKind(src.Kind)
			if !kind.Valid() {
				return model.StreamCatalog{}, fmt.Errorf("server %q source %d: unknown media kind %q", srv.Name, j, src.Kind)
			}
			headers := src.Headers
			if headers == nil {
				headers = map[string]string{}
			}
			entry.Sources = append(entry.Sources, model.SourceCandidate{
				DirectURL: src.URL,
				ProxyURL:  src.Proxy,
				Kind:      kind,
				Headers:   headers,
				Quality:   src.Quality,
			})
		}
		for j, ct := range srv.Captions {
			if strings.TrimSpace(ct.File) == "" {
				return model.StreamCatalog{}, fmt.Errorf("server %q caption %d: file url is empty", srv.Name, j)
			}
			if ct.Kind != "captions" && ct.Kind != "subtitles" {
				return model.StreamCatalog{}, fmt.Errorf("server %q caption %d: unknown kind %q", srv.Name, j, ct.Kind)
			}
			entry.Captions = append(entry.Captions, model.CaptionTrack{
				FileURL: ct.File,
				Label:   ct.Label,
				Kind:    ct.Kind,
			})
		}
		if srv.Intro != nil {
			entry.Intro = &model.SkipWindow{Start: srv.Intro.Start, End: srv.Intro.End}
		}
		if srv.Outro != nil {
			entry.Outro = &model.SkipWindow{Start: srv.Outro.Start, End: srv.Outro.End}
		}
		catalog.Servers = append(catalog.Servers, entry)
	}

	return catalog, nil
}

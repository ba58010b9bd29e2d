package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/otakuhub/streamcore/internal/metrics"
)

// proxyClient has no overall timeout: it streams media segments of
// arbitrary length. Connection setup is still bounded by the default
// transport's dial timeout.
var proxyClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		return nil
	},
}

// handleProxy relays an upstream media URL on the client's behalf,
// attaching the Referer/Origin headers the origin CDN demands. Some
// platform media frameworks cannot attach custom headers themselves;
// candidates' proxy URLs point here.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target, err := decodeProxyURL(r.URL.Query().Get("url"))
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("denied").Inc()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.hostAllowed(target.Hostname()) {
		metrics.ProxyRequestsTotal.WithLabelValues("denied").Inc()
		writeError(w, http.StatusForbidden, fmt.Errorf("host %q not allowed", target.Hostname()))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if referer := strings.TrimSpace(r.URL.Query().Get("referer")); referer != "" {
		req.Header.Set("Referer", referer)
		if ref, parseErr := url.Parse(referer); parseErr == nil && ref.Host != "" {
			req.Header.Set("Origin", ref.Scheme+"://"+ref.Host)
		}
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := proxyClient.Do(req)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadGateway, fmt.Errorf("upstream fetch: %w", err))
		return
	}
	defer resp.Body.Close()

	for _, header := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Client went away mid-stream; nothing to answer anymore.
		s.logger.Debug().Err(err).Msg("proxy stream interrupted")
	}
	metrics.ProxyRequestsTotal.WithLabelValues("ok").Inc()
}

func decodeProxyURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("url parameter is required")
	}
	decoded := raw
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		decoded = string(b)
	} else if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		decoded = string(b)
	}
	target, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, errors.New("url has no host")
	}
	return target, nil
}

func (s *Server) hostAllowed(host string) bool {
	if len(s.cfg.ProxyAllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range s.cfg.ProxyAllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

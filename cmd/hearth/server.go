package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"goflare.io/hearth"
	"goflare.io/hearth/internal/visits"
	"goflare.io/hearth/internal/worker"
)

const maxVisitBody = 4 << 10

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type visitRequest struct {
	Page string `json:"page"`
	URL  string `json:"url"`
}

type server struct {
	h      *hearth.Hearth
	reg    *hearth.Registration
	client *hearth.Client
	logger *zap.Logger
}

// newServer returns the handler of the local forward cache: control
// endpoints under /__hearth/, Prometheus metrics, and a reverse proxy to
// origin that goes through the worker.
func newServer(h *hearth.Hearth, reg *hearth.Registration, client *hearth.Client, origin *url.URL, logger *zap.Logger) http.Handler {
	s := &server{h: h, reg: reg, client: client, logger: logger}

	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.Transport = client.Transport()
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = origin.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		logger.Warn("Proxy request failed", zap.String("url", req.URL.String()), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /__hearth/skip-waiting", s.skipWaiting)
	mux.HandleFunc("POST /__hearth/visit", s.visit)
	mux.HandleFunc("GET /__hearth/stats", s.stats)
	mux.Handle("GET /metrics", h.MetricsHandler())
	mux.Handle("/", proxy)
	return mux
}

func (s *server) skipWaiting(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Message(r.Context(), worker.MessageSkipWaiting); err != nil {
		s.fail(w, http.StatusInternalServerError, "WORKER_ERROR", err)
		return
	}
	active := ""
	if ctrl := s.reg.Active(); ctrl != nil {
		active = ctrl.Version()
	}
	s.reply(w, map[string]string{"active": active})
}

func (s *server) visit(w http.ResponseWriter, r *http.Request) {
	var req visitRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxVisitBody))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.fail(w, http.StatusBadRequest, "BAD_REQUEST", err)
			return
		}
	}

	page := req.Page
	if page == "" && req.URL != "" {
		page = visits.PageFromURL(req.URL)
	}
	receipt, err := s.h.RecordVisit(r.Context(), hearth.VisitEntry{
		Page:    page,
		IP:      remoteIP(r),
		UA:      r.UserAgent(),
		Referer: r.Referer(),
	})
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "STORAGE_ERROR", err)
		return
	}
	s.reply(w, receipt)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.h.VisitStats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "STORAGE_ERROR", err)
		return
	}
	if page := r.URL.Query().Get("page"); page != "" {
		s.reply(w, map[string]int{
			"total":      stats.TotalVisits,
			"page_count": stats.PageCounts[visits.SanitizePage(page)],
		})
		return
	}
	s.reply(w, stats)
}

func (s *server) reply(w http.ResponseWriter, data any) {
	s.write(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *server) fail(w http.ResponseWriter, status int, code string, err error) {
	s.logger.Warn("Request failed", zap.String("code", code), zap.Error(err))
	s.write(w, status, envelope{Error: &errorBody{Code: code, Message: err.Error()}})
}

func (s *server) write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("worker.origin must be set")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid origin %q: scheme must be http or https", raw)
	}
	return u, nil
}

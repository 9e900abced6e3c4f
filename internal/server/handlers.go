package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gorilla/mux"

	"feedsentinel/internal/common"
	"feedsentinel/internal/feed"
	"feedsentinel/internal/forum"
	"feedsentinel/internal/query"
	"feedsentinel/internal/refresh"
)

const (
	defaultItemLimit = 200
	maxItemLimit     = 5000
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	State           string               `json:"state"`
	Running         bool                 `json:"running"`
	SnapshotVersion uint64               `json:"snapshot_version"`
	Sources         int                  `json:"sources"`
	LastCycle       *refresh.CycleReport `json:"last_cycle,omitempty"`
}

type sourceView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Category common.Category   `json:"category"`
	Parser   common.ParserKind `json:"parser"`
	Priority int               `json:"priority"`
	Origin   feed.Origin       `json:"origin"`
}

func viewSources(sources []feed.Source) []sourceView {
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceView{
			ID:       src.ID,
			Name:     src.Name,
			URL:      src.URL,
			Category: src.Category,
			Parser:   src.ParserKind,
			Priority: src.Priority,
			Origin:   src.Origin,
		})
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.scheduler.State()
	resp := healthResponse{
		State:           state.String(),
		Running:         state.Running(),
		SnapshotVersion: s.cache.Current().Version(),
		Sources:         s.registry.Len(),
	}
	if report, ok := s.scheduler.LastCycle(); ok {
		resp.LastCycle = &report
	}
	status := http.StatusOK
	if !resp.Running {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, query.Sources(s.cache.Current(), s.registry, s.now()))
}

// pathID returns the unescaped {id} variable. The router matches on the
// encoded path so ids containing slashes arrive as %2F.
func pathID(r *http.Request) (string, error) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil {
		return "", fmt.Errorf("malformed id: %w", err)
	}
	return id, nil
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.Remove(id); err != nil {
		if errors.Is(err, feed.ErrUnknownSource) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.cache.Remove(id)
	s.logger.WithField("source", id).Info("Source removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	f, err := parseFilter(r, now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := query.Items(s.cache.Current(), s.registry, f, now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result := s.scheduler.TriggerRefresh()
	status := http.StatusAccepted
	if result == refresh.TriggerRejected {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"result": result.String()})
}

// handleCorrelation serves /v1/correlations/{id} and /v1/correlations?id=.
// The query form suits GUIDs that are URLs.
func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if strings.TrimSpace(id) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	summary, ok := s.engine.Summarize(id, s.cache.Current().Items())
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("no item or catalog entry for "+id))
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleForums(w http.ResponseWriter, r *http.Request) {
	if s.forums == nil {
		s.writeError(w, http.StatusNotFound, errors.New("forum discovery is not configured"))
		return
	}
	s.writeJSON(w, http.StatusOK, viewSources(s.forums.Sources()))
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.forums == nil {
		s.writeError(w, http.StatusNotFound, errors.New("forum discovery is not configured"))
		return
	}
	sources, added, err := s.forums.Refresh(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, forum.ErrDiscoveryUnavailable) {
			status = http.StatusBadGateway
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"discovered": len(sources),
		"added":      added,
		"sources":    viewSources(sources),
	})
}

// parseFilter reads the item filter from the query string. Timestamps accept
// any layout dateparse understands and are taken as UTC; window is a
// duration counted back from now and only applies when since is unset.
func parseFilter(r *http.Request, now time.Time) (query.Filter, error) {
	q := r.URL.Query()
	f := query.Filter{
		Technique: q.Get("technique"),
		SourceID:  q.Get("source"),
		Limit:     defaultItemLimit,
	}

	for _, raw := range q["category"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			c, err := common.ParseCategory(part)
			if err != nil {
				return f, err
			}
			f.Categories = append(f.Categories, c)
		}
	}

	if v := q.Get("min_severity"); v != "" {
		sev, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errors.New("min_severity must be a number")
		}
		f.MinSeverity = &sev
	}

	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = dateparse.ParseIn(v, time.UTC); err != nil {
			return f, errors.New("since: unrecognized time " + strconv.Quote(v))
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = dateparse.ParseIn(v, time.UTC); err != nil {
			return f, errors.New("until: unrecognized time " + strconv.Quote(v))
		}
	}
	if v := q.Get("window"); v != "" && f.Since.IsZero() {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return f, errors.New("window must be a positive duration")
		}
		f.Since = now.Add(-d)
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxItemLimit)
	}
	return f, nil
}

package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.svc.Entity(r.Context(), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.fail(w, "get entity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity})
}

// getEntityHistory handles GET /v1/entities/{entity_id}/history?path=. The
// optional path narrows the audit trail to one field.
func (s *Server) getEntityHistory(w http.ResponseWriter, r *http.Request) {
	entity, err := s.svc.Entity(r.Context(), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.fail(w, "get entity", err)
		return
	}
	history := entity.History
	if path := strings.TrimSpace(r.URL.Query().Get("path")); path != "" {
		if err := catalog.FieldPath(path).Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		history = make([]catalog.Contribution, 0, len(entity.History))
		for _, c := range entity.History {
			if c.Path == catalog.FieldPath(path) {
				history = append(history, c)
			}
		}
	}
	if history == nil {
		history = []catalog.Contribution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entity.ID,
		"history":   history,
	})
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := catalog.EntityFilter{SourceKind: strings.TrimSpace(r.URL.Query().Get("source_kind"))}
	entities, err := s.svc.Entities(r.Context(), filter, limit, offset)
	if err != nil {
		s.fail(w, "list entities", err)
		return
	}
	if entities == nil {
		entities = []catalog.CanonicalEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

type sourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// stats handles GET /v1/stats: entity totals overall and per source kind,
// largest first.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.EntityCounts(r.Context())
	if err != nil {
		s.fail(w, "count entities", err)
		return
	}
	total := 0
	bySource := make([]sourceCount, 0, len(counts))
	for source, n := range counts {
		total += n
		bySource = append(bySource, sourceCount{Source: source, Count: n})
	}
	sort.Slice(bySource, func(i, j int) bool {
		if bySource[i].Count != bySource[j].Count {
			return bySource[i].Count > bySource[j].Count
		}
		return bySource[i].Source < bySource[j].Source
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"total_entities":     total,
		"entities_by_source": bySource,
	})
}

// compare handles GET /v1/compare?natural_key=. It returns the best value
// per field across every entity sharing the key.
func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("natural_key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "natural_key is required")
		return
	}
	view, err := s.svc.Compare(r.Context(), key)
	if err != nil {
		s.fail(w, "compare", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"view": view})
}

// getRaw handles GET /v1/raw?path= and returns an archived payload as stored.
func (s *Server) getRaw(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	body, contentType, err := s.svc.ArchivedPayload(r.Context(), path)
	if err != nil {
		s.fail(w, "get raw payload", err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("write raw payload", zap.Error(err))
	}
}

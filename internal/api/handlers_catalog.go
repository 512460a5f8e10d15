package api

import (
	"net/http"
	"strings"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/catalog"
	"github.com/kingrea/playbooks/internal/recommend"
)

type playbooksResponse struct {
	Playbooks []playbook.Definition `json:"playbooks"`
}

type playbookResponse struct {
	Playbook playbook.Definition         `json:"playbook"`
	Triggers []playbook.TriggerThreshold `json:"triggers"`
}

// GET /playbooks[?category=<c>][&tag=<t>]
func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	category := strings.TrimSpace(query.Get("category"))
	tag := strings.TrimSpace(query.Get("tag"))

	var defs []playbook.Definition
	switch {
	case category != "":
		if !playbook.Category(category).Valid() {
			s.writeError(w, r, playbook.Validation("api: playbooks", "unknown category %q", category))
			return
		}
		defs = s.catalog.ByCategory(playbook.Category(category))
	case tag != "":
		defs = s.catalog.ByTag(tag)
	default:
		defs = s.catalog.All()
	}
	if category != "" && tag != "" {
		kept := defs[:0]
		for _, def := range defs {
			if def.HasTag(tag) {
				kept = append(kept, def)
			}
		}
		defs = kept
	}
	if defs == nil {
		defs = []playbook.Definition{}
	}
	writeJSON(w, http.StatusOK, playbooksResponse{Playbooks: defs})
}

// GET /playbooks/{id}
func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	def, err := s.lookup(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	triggers := catalog.Triggers(def)
	if triggers == nil {
		triggers = []playbook.TriggerThreshold{}
	}
	writeJSON(w, http.StatusOK, playbookResponse{Playbook: def, Triggers: triggers})
}

func (s *Server) lookup(id string) (playbook.Definition, error) {
	id = strings.TrimSpace(id)
	def, ok := s.catalog.GetByID(id)
	if !ok {
		return playbook.Definition{}, playbook.NotFound("api: playbooks", "playbook %s", id)
	}
	return def, nil
}

type recommendationsResponse struct {
	PlaybookID      string                            `json:"playbookId"`
	Recommendations []recommend.AccountRecommendation `json:"recommendations"`
}

// POST /engine/playbooks/{id}/recommendations forwards the playbook's
// triggers to the recommendation service on behalf of the tenant.
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	def, err := s.lookup(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.recommender == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: playbook.ErrorBody{Kind: kindInternal, Message: "recommendations are not configured"}})
		return
	}
	recs, err := s.recommender.Recommend(r.Context(), customerID, def.ID, catalog.Triggers(def))
	if err != nil {
		if playbook.KindOf(err) == "" {
			s.logger.Warn("recommendation service failed", "playbook", def.ID, "customer_id", customerID, "error", err)
			writeJSON(w, http.StatusBadGateway, errorEnvelope{Error: playbook.ErrorBody{Kind: kindInternal, Message: err.Error()}})
			return
		}
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []recommend.AccountRecommendation{}
	}
	writeJSON(w, http.StatusOK, recommendationsResponse{PlaybookID: def.ID, Recommendations: recs})
}

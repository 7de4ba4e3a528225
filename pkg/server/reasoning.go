package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/linking"
)

func (s *Server) mountReasoning(r chi.Router) {
	r.Post("/link", s.handleFindLinks)
	r.Post("/process", s.handleProcessDocument)
	r.Get("/links/{documentID}", s.handleDocumentLinks)
	r.Get("/evidence/{linkID}", s.handleEvidence)
	r.Get("/packs", s.handleListPacks)
	r.Get("/stats", s.handleLinkStats)
}

// handleFindLinks searches without persisting. The engine validates that
// at least one of document_id and query_text is present.
func (s *Server) handleFindLinks(w http.ResponseWriter, r *http.Request) {
	var q linking.FindQuery
	if err := decodeValid(w, r, &q); err != nil {
		api.MapError(w, err)
		return
	}
	res, err := s.deps.Linker.FindLinks(r.Context(), &q)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

type processRequest struct {
	DocumentID int64                  `json:"document_id" validate:"required,gt=0"`
	Name       string                 `json:"name" validate:"required"`
	Type       string                 `json:"type,omitempty"`
	Content    string                 `json:"content" validate:"required"`
	ProjectID  *int64                 `json:"project_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	res, err := s.deps.Linker.ProcessDocument(r.Context(), &linking.Document{
		ID:        req.DocumentID,
		Name:      req.Name,
		Type:      req.Type,
		Content:   req.Content,
		ProjectID: req.ProjectID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDocumentLinks(w http.ResponseWriter, r *http.Request) {
	documentID, err := int64Param(r, "documentID")
	if err != nil {
		api.MapError(w, err)
		return
	}
	links, err := s.deps.Links.ListByDocument(r.Context(), documentID)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": documentID,
		"links":       links,
		"count":       len(links),
	})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	evidence, err := s.deps.Linker.GetEvidence(r.Context(), chi.URLParam(r, "linkID"))
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, evidence)
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs := s.deps.Linker.ListPacks()
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"packs": packs,
		"count": len(packs),
	})
}

func (s *Server) handleLinkStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Linker.GetStatistics(r.Context())
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

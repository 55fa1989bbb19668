package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/randalmurphal/orderstream/pkg/orderstream/catalog"
	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
)

func (s *server) listProducts(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Products.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Products.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// decodeProduct reads and validates a product body. The ID always comes
// from the route or is generated, never from the body.
func (s *server) decodeProduct(w http.ResponseWriter, r *http.Request, id string) (catalog.Product, bool) {
	var p catalog.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, r, &oerrors.ValidationError{Message: "request body is not valid JSON"})
		return catalog.Product{}, false
	}
	p.ID = id
	if err := p.Validate(); err != nil {
		s.writeError(w, r, err)
		return catalog.Product{}, false
	}
	return p, true
}

func (s *server) createProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeProduct(w, r, uuid.NewString())
	if !ok {
		return
	}
	if err := s.cfg.Products.Put(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("product created", slog.String("product_id", p.ID), slog.String("code", p.Code))
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) updateProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeProduct(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if err := s.cfg.Products.Update(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("product updated", slog.String("product_id", p.ID))
	writeJSON(w, http.StatusOK, p)
}

// deleteProduct returns the removed product.
func (s *server) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.cfg.Products.Fetch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Products.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("product deleted", slog.String("product_id", id))
	writeJSON(w, http.StatusOK, p)
}

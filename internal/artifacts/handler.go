package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/blob"
	"github.com/nextlevelbuilder/agentdesk/internal/store"
)

// MIME types safe to render inline; everything else downloads as an
// attachment so the browser never executes untrusted content.
var inlineMimes = map[string]bool{
	"text/html":     true,
	"image/png":     true,
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

// ArtifactLookup is the row access the handler needs.
type ArtifactLookup interface {
	GetArtifact(ctx context.Context, id uuid.UUID) (*store.Artifact, error)
}

// Handler serves artifact downloads authorized by signed tokens.
type Handler struct {
	rows   ArtifactLookup
	blobs  *blob.Store
	tokens *TokenService
}

// NewHandler wires the download surface.
func NewHandler(rows ArtifactLookup, blobs *blob.Store, tokens *TokenService) *Handler {
	return &Handler{rows: rows, blobs: blobs, tokens: tokens}
}

// RegisterRoutes attaches the artifact endpoints to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /artifacts/{id}", h.download)
	mux.HandleFunc("GET /artifacts/{id}/head", h.head)
}

// authorize runs the shared token/row/blob checks and writes the error
// response itself when authorization fails.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*store.Artifact, bool) {
	idStr := r.PathValue("id")
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return nil, false
	}
	if err := h.tokens.Verify(token, idStr); err != nil {
		switch {
		case errors.Is(err, ErrExpired):
			http.Error(w, "token expired", http.StatusForbidden)
		default:
			http.Error(w, "invalid token", http.StatusForbidden)
		}
		return nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return nil, false
	}
	artifact, err := h.rows.GetArtifact(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		slog.Error("artifact lookup failed", "artifact", idStr, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return artifact, true
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	artifact, ok := h.authorize(w, r)
	if !ok {
		return
	}

	f, err := os.Open(h.blobs.PathFor(artifact.SHA256))
	if os.IsNotExist(err) {
		// Row exists but the blob was garbage collected.
		http.Error(w, "artifact content gone", http.StatusGone)
		return
	}
	if err != nil {
		slog.Error("blob open failed", "sha256", artifact.SHA256, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	disposition := "attachment"
	if inlineMimes[artifact.Mime] {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", artifact.Mime)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("%s; filename=%q", disposition, artifact.Filename))
	http.ServeContent(w, r, "", artifact.CreatedAt, f)
}

func (h *Handler) head(w http.ResponseWriter, r *http.Request) {
	artifact, ok := h.authorize(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Descriptor{
		ID:        artifact.ID.String(),
		Name:      artifact.Filename,
		Mime:      artifact.Mime,
		Size:      artifact.Size,
		SHA256:    artifact.SHA256,
		CreatedAt: artifact.CreatedAt,
	})
}

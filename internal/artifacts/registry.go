// Package artifacts turns sandbox output files into stored, downloadable
// artifacts: content-addressed blobs, per-reference database rows, and
// signed download tokens.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/blob"
	"github.com/nextlevelbuilder/agentdesk/internal/store"
)

// Descriptor is the client-facing description of one ingested artifact.
// Files rejected by the size cap come back as a descriptor with Error set
// and no ID.
type Descriptor struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Mime      string    `json:"mime,omitempty"`
	Size      int64     `json:"size,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RowStore is the slice of the relational store the registry uses.
type RowStore interface {
	InsertArtifacts(ctx context.Context, rows []*store.Artifact) error
	FindBySHA256(ctx context.Context, sha256 string) ([]*store.Artifact, error)
}

// Registry ingests files from sandbox staging directories. Deduplication
// happens at the blob level only: every ingested file gets its own artifact
// row even when its content is already stored.
type Registry struct {
	blobs    *blob.Store
	rows     RowStore
	tokens   *TokenService
	maxBytes int64
}

// NewRegistry wires a registry. tokens may be nil, in which case descriptors
// carry no download URL.
func NewRegistry(blobs *blob.Store, rows RowStore, tokens *TokenService, maxBytes int64) *Registry {
	return &Registry{blobs: blobs, rows: rows, tokens: tokens, maxBytes: maxBytes}
}

// Ingest stores each staged file and records one artifact row per file, all
// rows in one transaction. Accepted staging files are deleted afterwards so
// the next snapshot diff starts clean; oversize files are reported in their
// descriptor and left alone. If the transaction fails nothing is recorded
// and the error is returned — already-written blobs stay, harmless because
// they are content-addressed.
func (r *Registry) Ingest(ctx context.Context, threadID uuid.UUID, sessionID, runID, toolCallID string, paths []string) ([]Descriptor, error) {
	var descriptors []Descriptor
	var rows []*store.Artifact
	var accepted []string

	for _, path := range paths {
		name := filepath.Base(path)
		info, err := os.Stat(path)
		if err != nil {
			descriptors = append(descriptors, Descriptor{Name: name, Error: fmt.Sprintf("stat failed: %v", err)})
			continue
		}
		if info.Size() > r.maxBytes {
			slog.Warn("artifact exceeds size cap", "file", name, "size", info.Size(), "max", r.maxBytes)
			descriptors = append(descriptors, Descriptor{
				Name:  name,
				Size:  info.Size(),
				Error: fmt.Sprintf("file exceeds maximum artifact size (%d > %d bytes)", info.Size(), r.maxBytes),
			})
			continue
		}

		fingerprint, err := blob.Fingerprint(path)
		if err != nil {
			return nil, err
		}
		if _, err := r.blobs.Put(path, fingerprint); err != nil {
			return nil, err
		}

		id := uuid.Must(uuid.NewV7())
		now := time.Now().UTC()
		desc := Descriptor{
			ID:        id.String(),
			Name:      name,
			Mime:      MimeForFilename(name),
			Size:      info.Size(),
			SHA256:    fingerprint,
			CreatedAt: now,
		}
		if r.tokens != nil {
			desc.URL = r.tokens.DownloadURL(desc.ID)
		}
		descriptors = append(descriptors, desc)
		rows = append(rows, &store.Artifact{
			ID:         id,
			ThreadID:   threadID,
			SHA256:     fingerprint,
			Filename:   name,
			Mime:       desc.Mime,
			Size:       info.Size(),
			SessionID:  &sessionID,
			RunID:      &runID,
			ToolCallID: &toolCallID,
			CreatedAt:  now,
		})
		accepted = append(accepted, path)
	}

	if err := r.rows.InsertArtifacts(ctx, rows); err != nil {
		return nil, fmt.Errorf("artifacts: record rows: %w", err)
	}
	for _, path := range accepted {
		if err := os.Remove(path); err != nil {
			slog.Warn("staging cleanup failed", "file", path, "error", err)
		}
	}
	return descriptors, nil
}

// FindByFingerprint returns a descriptor for every reference to the blob
// with the given content hash, oldest first, with fresh download URLs when
// a token service is configured. The number of descriptors is the blob's
// reference count.
func (r *Registry) FindByFingerprint(ctx context.Context, fingerprint string) ([]Descriptor, error) {
	rows, err := r.rows.FindBySHA256(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("artifacts: find by fingerprint: %w", err)
	}
	out := make([]Descriptor, 0, len(rows))
	for _, a := range rows {
		d := Descriptor{
			ID:        a.ID.String(),
			Name:      a.Filename,
			Mime:      a.Mime,
			Size:      a.Size,
			SHA256:    a.SHA256,
			CreatedAt: a.CreatedAt,
		}
		if r.tokens != nil {
			d.URL = r.tokens.DownloadURL(d.ID)
		}
		out = append(out, d)
	}
	return out, nil
}

// MimeForFilename guesses a MIME type from the file extension, without
// charset parameters. Unknown extensions map to application/octet-stream.
func MimeForFilename(name string) string {
	m := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if m == "" {
		return "application/octet-stream"
	}
	if base, _, ok := strings.Cut(m, ";"); ok {
		return strings.TrimSpace(base)
	}
	return m
}

package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/blob"
	"github.com/nextlevelbuilder/agentdesk/internal/store"
)

type fakeRowStore struct {
	rows []*store.Artifact
	err  error
}

func (f *fakeRowStore) InsertArtifacts(_ context.Context, rows []*store.Artifact) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeRowStore) FindBySHA256(_ context.Context, sha256 string) ([]*store.Artifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.Artifact
	for _, a := range f.rows {
		if a.SHA256 == sha256 {
			out = append(out, a)
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T, maxBytes int64) (*Registry, *fakeRowStore, *blob.Store) {
	t.Helper()
	blobs, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rows := &fakeRowStore{}
	tokens := NewTokenService("secret", time.Hour, "http://localhost:8000")
	return NewRegistry(blobs, rows, tokens, maxBytes), rows, blobs
}

func stage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestPerReferenceRows(t *testing.T) {
	reg, rows, blobs := newTestRegistry(t, 1<<20)
	threadID := uuid.Must(uuid.NewV7())
	staging := t.TempDir()

	// Two ingests of identical content: one blob, two rows.
	first := stage(t, staging, "plot.png", "identical bytes")
	descs1, err := reg.Ingest(context.Background(), threadID, "sess", "run-1", "call-1", []string{first})
	if err != nil {
		t.Fatal(err)
	}
	second := stage(t, staging, "plot.png", "identical bytes")
	descs2, err := reg.Ingest(context.Background(), threadID, "sess", "run-2", "call-2", []string{second})
	if err != nil {
		t.Fatal(err)
	}

	if len(descs1) != 1 || len(descs2) != 1 {
		t.Fatalf("descriptors = %d, %d", len(descs1), len(descs2))
	}
	if descs1[0].SHA256 != descs2[0].SHA256 {
		t.Error("same content produced different fingerprints")
	}
	if descs1[0].ID == descs2[0].ID {
		t.Error("each reference must get its own artifact id")
	}
	if len(rows.rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows.rows))
	}
	if got := *rows.rows[1].ToolCallID; got != "call-2" {
		t.Errorf("tool_call_id = %s", got)
	}
	if _, err := os.Stat(blobs.PathFor(descs1[0].SHA256)); err != nil {
		t.Errorf("blob missing: %v", err)
	}
}

func TestFindByFingerprint(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 1<<20)
	threadID := uuid.Must(uuid.NewV7())
	staging := t.TempDir()

	// Same content referenced twice, different content once.
	first := stage(t, staging, "plot.png", "shared bytes")
	descs, err := reg.Ingest(context.Background(), threadID, "sess", "run-1", "call-1", []string{first})
	if err != nil {
		t.Fatal(err)
	}
	second := stage(t, staging, "copy.png", "shared bytes")
	if _, err := reg.Ingest(context.Background(), threadID, "sess", "run-2", "call-2", []string{second}); err != nil {
		t.Fatal(err)
	}
	other := stage(t, staging, "other.csv", "different bytes")
	if _, err := reg.Ingest(context.Background(), threadID, "sess", "run-3", "call-3", []string{other}); err != nil {
		t.Fatal(err)
	}

	refs, err := reg.FindByFingerprint(context.Background(), descs[0].SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("references = %d, want 2", len(refs))
	}
	if refs[0].Name != "plot.png" || refs[1].Name != "copy.png" {
		t.Errorf("names = %s, %s", refs[0].Name, refs[1].Name)
	}
	for _, d := range refs {
		if d.SHA256 != descs[0].SHA256 {
			t.Errorf("fingerprint mismatch: %s", d.SHA256)
		}
		if d.URL == "" {
			t.Error("reference missing download URL")
		}
	}

	none, err := reg.FindByFingerprint(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("unknown fingerprint returned %d references", len(none))
	}
}

func TestIngestSizeBoundary(t *testing.T) {
	const max = 64
	reg, rows, _ := newTestRegistry(t, max)
	threadID := uuid.Must(uuid.NewV7())
	staging := t.TempDir()

	exact := stage(t, staging, "exact.bin", string(make([]byte, max)))
	over := stage(t, staging, "over.bin", string(make([]byte, max+1)))

	descs, err := reg.Ingest(context.Background(), threadID, "sess", "run", "call", []string{exact, over})
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 2 {
		t.Fatalf("descriptors = %d, want 2", len(descs))
	}
	if descs[0].Error != "" || descs[0].ID == "" {
		t.Errorf("exact-max file rejected: %+v", descs[0])
	}
	if descs[1].Error == "" || descs[1].ID != "" {
		t.Errorf("oversize file accepted: %+v", descs[1])
	}
	if len(rows.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows.rows))
	}

	// Accepted staging files are cleaned up; rejected ones stay.
	if _, err := os.Stat(exact); !os.IsNotExist(err) {
		t.Error("accepted staging file not removed")
	}
	if _, err := os.Stat(over); err != nil {
		t.Error("rejected staging file should remain")
	}
}

func TestIngestDescriptorFields(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 1<<20)
	staging := t.TempDir()
	path := stage(t, staging, "report.html", "<html></html>")

	descs, err := reg.Ingest(context.Background(), uuid.Must(uuid.NewV7()), "sess", "run", "call", []string{path})
	if err != nil {
		t.Fatal(err)
	}
	d := descs[0]
	if d.Mime != "text/html" {
		t.Errorf("Mime = %q, want text/html", d.Mime)
	}
	if d.Size != int64(len("<html></html>")) {
		t.Errorf("Size = %d", d.Size)
	}
	if d.URL == "" {
		t.Error("descriptor missing download URL")
	}
}

func TestMimeForFilename(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"plot.png", "image/png"},
		{"page.HTML", "text/html"},
		{"data.unknownext", "application/octet-stream"},
		{"noext", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MimeForFilename(tt.name); got != tt.want {
				t.Errorf("MimeForFilename(%s) = %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

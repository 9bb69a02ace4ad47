package blob

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFingerprint(t *testing.T) {
	// sha256("hello world")
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	src := writeTemp(t, "hello world")
	got, err := Fingerprint(src)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("Fingerprint = %s, want %s", got, want)
	}
}

func TestPathForSharding(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fp := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	got := s.PathFor(fp)
	want := filepath.Join(s.Root(), "b9", "4d", fp)
	if got != want {
		t.Errorf("PathFor = %s, want %s", got, want)
	}
}

func TestPutDeduplicates(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := writeTemp(t, "same bytes")
	fp, err := Fingerprint(src)
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.Put(src, fp)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(first)
	if err != nil {
		t.Fatal(err)
	}
	mtime := info.ModTime()

	second, err := s.Put(src, fp)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("second put path = %s, want %s", second, first)
	}
	info2, err := os.Stat(second)
	if err != nil {
		t.Fatal(err)
	}
	if !info2.ModTime().Equal(mtime) {
		t.Error("second put rewrote an existing blob")
	}

	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "same bytes" {
		t.Errorf("blob content = %q", data)
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := writeTemp(t, "content")
	fp, err := Fingerprint(src)
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.Put(src, fp)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestDeleteMissingIsQuiet(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Delete("b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")
}

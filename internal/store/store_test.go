package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestArtifact(t *testing.T, name string) *Artifact {
	t.Helper()
	a, err := NewArtifact(filepath.Join(t.TempDir(), "nested", name))
	if err != nil {
		t.Fatalf("NewArtifact: %v", err)
	}
	return a
}

func TestArtifactWriteRead(t *testing.T) {
	a := newTestArtifact(t, "art.jpg")
	ctx := context.Background()

	if a.Exists() {
		t.Fatal("artifact should not exist before the first write")
	}
	if _, err := a.Read(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read before write: got %v, want ErrNotExist", err)
	}

	first := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}
	if err := a.Write(ctx, first); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := a.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("Read = %v, want %v", got, first)
	}

	second := []byte("<html>raw</html>")
	if err := a.Write(ctx, second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = a.Read()
	if !bytes.Equal(got, second) {
		t.Errorf("overwrite not visible: %q", got)
	}

	entries, err := os.ReadDir(filepath.Dir(a.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestArtifactWriteCancelled(t *testing.T) {
	a := newTestArtifact(t, "art.jpg")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Write(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if a.Exists() {
		t.Error("cancelled write must not create the artifact")
	}
}

func TestArtifactContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"art.jpg", nil, "image/jpeg"},
		{"art.JPEG", nil, "image/jpeg"},
		{"art.png", nil, "image/png"},
		{"art", png, "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestArtifact(t, tt.name)
			if got := a.ContentType(tt.data); got != tt.want {
				t.Errorf("ContentType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileTypeFor(t *testing.T) {
	tests := map[string]string{
		"/data/art.jpg":  "JPEG",
		"/data/art.jpeg": "JPEG",
		"/data/art.png":  "PNG",
		"/data/art":      "JPEG",
	}
	for path, want := range tests {
		if got := FileTypeFor(path); got != want {
			t.Errorf("FileTypeFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestFileIDStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "last-art-id.txt")
	s := NewFileIDStore(path)

	id, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if id != "" {
		t.Errorf("Load = %q, want empty", id)
	}

	if err := s.Save(ctx, "MY_F0001"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id, _ = s.Load(ctx); id != "MY_F0001" {
		t.Errorf("Load = %q, want MY_F0001", id)
	}

	if err := s.Save(ctx, "MY_F0002"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id, _ = s.Load(ctx); id != "MY_F0002" {
		t.Errorf("Save should overwrite, got %q", id)
	}
}

func TestFileIDStoreTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last-art-id.txt")
	if err := os.WriteFile(path, []byte("  MY_F0009\n"), 0644); err != nil {
		t.Fatal(err)
	}
	id, err := NewFileIDStore(path).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "MY_F0009" {
		t.Errorf("Load = %q, want MY_F0009", id)
	}
}

package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kiliankoe/promptchain/internal/game"
)

func TestFilesRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFiles(fs, "/data")
	ctx := context.Background()

	ref, err := f.Save(ctx, "game-1", "my photo.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("should be able to save: %v", err)
	}
	if !strings.HasPrefix(string(ref), "game-1/") || !strings.HasSuffix(string(ref), "_my_photo.png") {
		t.Fatalf("unexpected reference %q", ref)
	}
	b, err := f.Load(ctx, ref)
	if err != nil {
		t.Fatalf("should be able to load: %v", err)
	}
	if string(b) != "png-bytes" {
		t.Fatalf("expected png-bytes, got %q", b)
	}

	other, _ := f.Save(ctx, "game-1", "my photo.png", []byte("other"))
	if other == ref {
		t.Fatal("saving the same name twice must produce distinct references")
	}
}

func TestFilesRejectsBadInput(t *testing.T) {
	f := NewFiles(afero.NewMemMapFs(), "/data")
	ctx := context.Background()
	if _, err := f.Save(ctx, "g", "empty.png", nil); err == nil {
		t.Fatal("empty images must be rejected")
	}
	for _, ref := range []game.ImageRef{"", "../etc/passwd", "/abs/path.png", "g/../../x"} {
		if _, err := f.Load(ctx, ref); !errors.Is(err, game.ErrInvalidParameter) {
			t.Fatalf("ref %q: expected ErrInvalidParameter, got %v", ref, err)
		}
	}
	if _, err := f.Load(ctx, "g/missing.png"); err == nil {
		t.Fatal("missing image should fail to load")
	}
}

func TestFilesSanitizesSessionDir(t *testing.T) {
	f := NewFiles(afero.NewMemMapFs(), "/data")
	ref, err := f.Save(context.Background(), "../../escape", "x.png", []byte("x"))
	if err != nil {
		t.Fatalf("should be able to save: %v", err)
	}
	if strings.Contains(string(ref), "..") {
		t.Fatalf("reference escaped the store: %q", ref)
	}
}

func TestRemoveSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFiles(fs, "/data")
	ctx := context.Background()
	ref, _ := f.Save(ctx, "game-2", "a.png", []byte("a"))
	keep, _ := f.Save(ctx, "game-3", "b.png", []byte("b"))

	if err := f.RemoveSession("game-2"); err != nil {
		t.Fatalf("should be able to remove session images: %v", err)
	}
	if _, err := f.Load(ctx, ref); err == nil {
		t.Fatal("removed image should be gone")
	}
	if _, err := f.Load(ctx, keep); err != nil {
		t.Fatalf("other sessions must be untouched: %v", err)
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/kiliankoe/promptchain/internal/game"
)

// Files keeps image artifacts on an afero filesystem. References are slash
// separated paths relative to root: "<session>/<uuid>_<name>".
type Files struct {
	fs   afero.Fs
	root string
}

func NewFiles(fs afero.Fs, root string) *Files {
	return &Files{fs: fs, root: root}
}

// NewDiskFiles stores images below dir on the OS filesystem.
func NewDiskFiles(dir string) *Files {
	return NewFiles(afero.NewOsFs(), dir)
}

func (f *Files) Save(ctx context.Context, sessionID, name string, data []byte) (game.ImageRef, error) {
	if len(data) == 0 {
		return "", errors.New("refusing to store empty image")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := sanitize(sessionID)
	if dir == "" {
		dir = "shared"
	}
	rel := path.Join(dir, uuid.NewString()+"_"+sanitize(name))
	full := f.abs(rel)
	if err := f.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := afero.WriteFile(f.fs, full, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return game.ImageRef(rel), nil
}

func (f *Files) Load(ctx context.Context, ref game.ImageRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel := string(ref)
	if rel == "" || path.IsAbs(rel) || strings.Contains(rel, "..") {
		return nil, fmt.Errorf("%w: bad image reference %q", game.ErrInvalidParameter, rel)
	}
	b, err := afero.ReadFile(f.fs, f.abs(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", rel, err)
	}
	return b, nil
}

// RemoveSession deletes every image stored for sessionID.
func (f *Files) RemoveSession(sessionID string) error {
	dir := sanitize(sessionID)
	if dir == "" {
		return nil
	}
	return f.fs.RemoveAll(f.abs(dir))
}

func (f *Files) abs(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

// sanitize keeps a conservative file name alphabet.
func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

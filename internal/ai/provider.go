package ai

import (
	"context"

	"github.com/kiliankoe/promptchain/internal/game"
)

// Options shape a generated image.
type Options struct {
	Width     int
	Height    int
	Format    string // output format hint, e.g. "jpeg" or "png"
	SessionID string // storage namespace for the produced image
}

type Transformer interface {
	Transform(ctx context.Context, source game.ImageRef, prompt string, opts Options) (game.ImageRef, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (game.ImageRef, error)
}

// Embedder returns one embedding vector per input, in order.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float64, error)
}

// Images resolves and stores image artifacts.
type Images interface {
	Load(ctx context.Context, ref game.ImageRef) ([]byte, error)
	Save(ctx context.Context, sessionID, name string, data []byte) (game.ImageRef, error)
}

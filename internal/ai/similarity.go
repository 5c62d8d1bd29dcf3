package ai

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kiliankoe/promptchain/internal/game"
)

// Cosine returns the cosine similarity of a and b, in [-1,1].
func Cosine(a, b []float64) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("cannot compare vectors of length %d and %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, errors.New("cannot compare zero vectors")
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim)), nil
}

// TextSimilarity scores prompts by the cosine of their embeddings.
type TextSimilarity struct {
	Embedder Embedder
	Model    string
}

func (t *TextSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	scores, err := t.Similarities(ctx, a, []string{b})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// Similarities embeds ref and all candidates in one request.
func (t *TextSimilarity) Similarities(ctx context.Context, ref string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	vecs, err := t.Embedder.Embed(ctx, t.Model, append([]string{ref}, candidates...))
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	out := make([]float64, 0, len(candidates))
	for _, v := range vecs[1:] {
		s, err := Cosine(vecs[0], v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ImageScorer compares a candidate image against a reference image.
type ImageScorer interface {
	Similarity(ctx context.Context, ref, candidate game.ImageRef) (float64, error)
	Similarities(ctx context.Context, ref game.ImageRef, candidates []game.ImageRef) ([]float64, error)
}

// ErrNotConfigured is returned by Oracle paths without a backing scorer.
var ErrNotConfigured = errors.New("similarity scorer not configured")

// Oracle combines the text and image similarity paths used for scoring.
// A nil path fails every call, which scoring reports as degradation.
type Oracle struct {
	Text  *TextSimilarity
	Image ImageScorer
}

func (o Oracle) TextSimilarity(ctx context.Context, a, b string) (float64, error) {
	if o.Text == nil {
		return 0, fmt.Errorf("text: %w", ErrNotConfigured)
	}
	return o.Text.Similarity(ctx, a, b)
}

func (o Oracle) ImageSimilarity(ctx context.Context, ref, candidate game.ImageRef) (float64, error) {
	if o.Image == nil {
		return 0, fmt.Errorf("image: %w", ErrNotConfigured)
	}
	return o.Image.Similarity(ctx, ref, candidate)
}

func (o Oracle) TextSimilarities(ctx context.Context, ref string, candidates []string) ([]float64, error) {
	if o.Text == nil {
		return nil, fmt.Errorf("text: %w", ErrNotConfigured)
	}
	return o.Text.Similarities(ctx, ref, candidates)
}

func (o Oracle) ImageSimilarities(ctx context.Context, ref game.ImageRef, candidates []game.ImageRef) ([]float64, error) {
	if o.Image == nil {
		return nil, fmt.Errorf("image: %w", ErrNotConfigured)
	}
	return o.Image.Similarities(ctx, ref, candidates)
}

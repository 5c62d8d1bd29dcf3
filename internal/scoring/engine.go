// Package scoring compares a finished prompt chain against its reference
// prompt and seed image and folds the similarities into one integer score.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kiliankoe/promptchain/internal/game"
)

// FallbackSimilarity replaces a failed oracle score. It is the midpoint of
// [-1,1] and normalizes to 0.5.
const FallbackSimilarity = 0.0

const (
	CategorySemantic = "semantic"
	CategoryImage    = "image"
)

// Oracle is the external similarity capability. Scores are in [-1,1].
type Oracle interface {
	TextSimilarity(ctx context.Context, a, b string) (float64, error)
	ImageSimilarity(ctx context.Context, ref, candidate game.ImageRef) (float64, error)
}

// TextBatcher is implemented by oracles that can score many prompts at once.
type TextBatcher interface {
	TextSimilarities(ctx context.Context, ref string, candidates []string) ([]float64, error)
}

// ImageBatcher is implemented by oracles that can score many images at once.
type ImageBatcher interface {
	ImageSimilarities(ctx context.Context, ref game.ImageRef, candidates []game.ImageRef) ([]float64, error)
}

type Engine struct {
	oracle      Oracle
	concurrency int
}

func NewEngine(oracle Oracle) *Engine {
	return &Engine{oracle: oracle, concurrency: 4}
}

// WithConcurrency bounds parallel per-pair oracle calls.
func (e *Engine) WithConcurrency(n int) *Engine {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

// Score computes the similarity series and final score of a completed game.
// Entry i compares prompt i with the first prompt and image i+1 with the
// seed image, so index 0 of the prompt series is the reference itself.
func (e *Engine) Score(ctx context.Context, snap game.Snapshot) (game.ScoreResult, error) {
	if snap.Status != game.StatusCompleted {
		return game.ScoreResult{}, fmt.Errorf("%w: game is %s", game.ErrInsufficientData, snap.Status)
	}
	if len(snap.Prompts) < 2 || len(snap.Images) < 3 {
		return game.ScoreResult{}, fmt.Errorf("%w: need at least 2 prompts and 3 images, have %d and %d",
			game.ErrInsufficientData, len(snap.Prompts), len(snap.Images))
	}

	refPrompt := snap.Prompts[0].Text
	refImage := snap.Images[0].Ref
	texts := make([]string, len(snap.Prompts))
	for i, p := range snap.Prompts {
		texts[i] = p.Text
	}
	candidates := make([]game.ImageRef, 0, len(snap.Images)-1)
	for _, img := range snap.Images[1:] {
		candidates = append(candidates, img.Ref)
	}

	var warnings []game.ScoreWarning
	semantic, w := e.textSeries(ctx, snap.ID, refPrompt, texts)
	warnings = append(warnings, w...)
	images, w := e.imageSeries(ctx, snap.ID, refImage, candidates)
	warnings = append(warnings, w...)
	lexical := make([]float64, len(texts))
	for i, t := range texts {
		lexical[i] = Lexical(refPrompt, t)
	}

	n := min(len(semantic), len(lexical), len(images))
	if n == 0 {
		return game.ScoreResult{}, fmt.Errorf("%w: no comparable rounds", game.ErrInsufficientData)
	}
	if n < len(semantic) || n < len(lexical) || n < len(images) {
		log.Warn().Str("session", snap.ID).Int("rounds", n).
			Int("semantic", len(semantic)).Int("lexical", len(lexical)).Int("image", len(images)).
			Msg("score series differ in length, truncating")
	}
	res := game.ScoreResult{
		PromptSemanticScores:  semantic[:n:n],
		PromptLexicalScores:   lexical[:n:n],
		ImageSimilarityScores: images[:n:n],
		ReferencePrompt:       refPrompt,
		ReferenceImage:        refImage,
		Warnings:              warnings,
	}
	res.MeanSemantic = mean(res.PromptSemanticScores)
	res.MeanLexical = mean(res.PromptLexicalScores)
	res.MeanImage = mean(res.ImageSimilarityScores)
	res.FinalScore = FinalScore(res.MeanLexical, res.MeanSemantic, res.MeanImage)
	return res, nil
}

// FinalScore is floor(100 * (lexical + (semantic+1)/2 + (image+1)/2)),
// within [0,300].
func FinalScore(meanLexical, meanSemantic, meanImage float64) int {
	total := clamp(meanLexical, 0, 1) + Normalize(meanSemantic) + Normalize(meanImage)
	// absorb float error such as 100*0.29 = 28.999999999999996
	score := int(math.Floor(100*total + 1e-9))
	return max(0, min(300, score))
}

// Normalize maps a [-1,1] similarity into [0,1].
func Normalize(x float64) float64 {
	return (clamp(x, -1, 1) + 1) / 2
}

func (e *Engine) textSeries(ctx context.Context, id, ref string, texts []string) ([]float64, []game.ScoreWarning) {
	if b, ok := e.oracle.(TextBatcher); ok {
		scores, err := b.TextSimilarities(ctx, ref, texts)
		return batchSeries(id, CategorySemantic, len(texts), scores, err)
	}
	return e.pairSeries(ctx, id, CategorySemantic, len(texts), func(ctx context.Context, i int) (float64, error) {
		return e.oracle.TextSimilarity(ctx, ref, texts[i])
	})
}

func (e *Engine) imageSeries(ctx context.Context, id string, ref game.ImageRef, candidates []game.ImageRef) ([]float64, []game.ScoreWarning) {
	if b, ok := e.oracle.(ImageBatcher); ok {
		scores, err := b.ImageSimilarities(ctx, ref, candidates)
		return batchSeries(id, CategoryImage, len(candidates), scores, err)
	}
	return e.pairSeries(ctx, id, CategoryImage, len(candidates), func(ctx context.Context, i int) (float64, error) {
		return e.oracle.ImageSimilarity(ctx, ref, candidates[i])
	})
}

// pairSeries calls score for every index concurrently. A failed entry gets
// FallbackSimilarity and a warning; the other entries are unaffected.
func (e *Engine) pairSeries(ctx context.Context, id, category string, n int, score func(context.Context, int) (float64, error)) ([]float64, []game.ScoreWarning) {
	out := make([]float64, n)
	errs := make([]error, n)
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := score(ctx, i)
			if err == nil {
				v, err = checked(v)
			}
			out[i], errs[i] = v, err
			return nil
		})
	}
	_ = g.Wait()

	var warnings []game.ScoreWarning
	for i, err := range errs {
		if err == nil {
			continue
		}
		out[i] = FallbackSimilarity
		warnings = append(warnings, degraded(id, category, i+1, err))
	}
	return out, warnings
}

// batchSeries validates a batched oracle answer. An error degrades the whole
// category; a short answer is kept short so the caller truncates.
func batchSeries(id, category string, n int, scores []float64, err error) ([]float64, []game.ScoreWarning) {
	if err != nil {
		out := make([]float64, n)
		for i := range out {
			out[i] = FallbackSimilarity
		}
		return out, []game.ScoreWarning{degraded(id, category, 0, err)}
	}
	var warnings []game.ScoreWarning
	if len(scores) != n {
		warnings = append(warnings, degraded(id, category, 0, fmt.Errorf("oracle returned %d of %d scores", len(scores), n)))
	}
	out := make([]float64, 0, min(len(scores), n))
	for i, v := range scores[:min(len(scores), n)] {
		v, err := checked(v)
		if err != nil {
			v = FallbackSimilarity
			warnings = append(warnings, degraded(id, category, i+1, err))
		}
		out = append(out, v)
	}
	return out, warnings
}

func degraded(id, category string, round int, err error) game.ScoreWarning {
	log.Warn().Str("session", id).Str("category", category).Int("round", round).Err(err).
		Msg("similarity oracle failed, using fallback")
	return game.ScoreWarning{
		Code:     game.Code(game.ErrOracleDegraded),
		Category: category,
		Round:    round,
		Message:  err.Error(),
	}
}

func checked(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("oracle returned a non-finite score")
	}
	return clamp(v, -1, 1), nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

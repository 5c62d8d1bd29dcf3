// Package orchestrator is the control surface transports call into. It
// binds sessions to the image service, storage, scoring and archive.
package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptchain/internal/ai"
	"github.com/kiliankoe/promptchain/internal/game"
)

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Scorer turns a completed snapshot into a score.
type Scorer interface {
	Score(ctx context.Context, snap game.Snapshot) (game.ScoreResult, error)
}

// Recorder keeps finished games.
type Recorder interface {
	Record(ctx context.Context, snap game.Snapshot) error
}

type sessionRemover interface {
	RemoveSession(sessionID string) error
}

type Config struct {
	Image         ai.Options
	AutoOpening   bool
	OpeningPrompt string
	ExportEnabled bool
	ExportFile    string
}

const (
	EventState = "state"
	EventScore = "score"
)

// Event is delivered to subscribers after a session changed.
type Event struct {
	Kind     string
	Snapshot game.Snapshot
}

type Orchestrator struct {
	registry    *game.Registry
	images      ai.Images
	transformer ai.Transformer
	generator   ai.Generator
	scorer      Scorer
	archive     Recorder
	cfg         Config

	mu        sync.RWMutex
	listeners []func(Event)
}

// New wires the collaborators. generator may be nil, in which case
// GenerateSeed reports the service as unavailable.
func New(reg *game.Registry, images ai.Images, transformer ai.Transformer, generator ai.Generator, scorer Scorer, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry:    reg,
		images:      images,
		transformer: transformer,
		generator:   generator,
		scorer:      scorer,
		cfg:         cfg,
	}
}

func (o *Orchestrator) WithArchive(r Recorder) *Orchestrator {
	o.archive = r
	return o
}

// Subscribe registers fn for every session change. fn must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) notify(kind string, snap game.Snapshot) {
	o.mu.RLock()
	listeners := append([]func(Event){}, o.listeners...)
	o.mu.RUnlock()
	for _, fn := range listeners {
		fn(Event{Kind: kind, Snapshot: snap})
	}
}

func (o *Orchestrator) CreateSession(participants int) (game.Snapshot, error) {
	id, err := o.registry.Create(participants)
	if err != nil {
		return game.Snapshot{}, err
	}
	sess, err := o.registry.Get(id)
	if err != nil {
		return game.Snapshot{}, err
	}
	log.Info().Str("session", id).Int("players", participants).Msg("session created")
	return sess.Snapshot(), nil
}

// SeedSession records ref as the seed image and, if configured, plays the
// automated opening round. A failed opening does not fail the seed.
func (o *Orchestrator) SeedSession(ctx context.Context, id string, ref game.ImageRef) (game.Snapshot, error) {
	sess, err := o.registry.Get(id)
	if err != nil {
		return game.Snapshot{}, err
	}
	if err := sess.Seed(ref); err != nil {
		return game.Snapshot{}, err
	}
	log.Info().Str("session", id).Str("ref", string(ref)).Msg("session seeded")

	if o.cfg.AutoOpening && strings.TrimSpace(o.cfg.OpeningPrompt) != "" {
		if err := sess.PlayOpening(ctx, o.cfg.OpeningPrompt, o.transform(id)); err != nil {
			log.Warn().Str("session", id).Err(err).Msg("opening round skipped")
		} else {
			log.Info().Str("session", id).Msg("opening round played")
		}
	}
	snap := sess.Snapshot()
	o.notify(EventState, snap)
	return snap, nil
}

// UploadSeed validates and stores an uploaded image and seeds the session
// with it.
func (o *Orchestrator) UploadSeed(ctx context.Context, id, filename string, data []byte) (game.Snapshot, error) {
	ext := strings.ToLower(path.Ext(filename))
	if !allowedExtensions[ext] {
		return game.Snapshot{}, fmt.Errorf("%w: file type %q not allowed", game.ErrInvalidParameter, ext)
	}
	if len(data) == 0 {
		return game.Snapshot{}, fmt.Errorf("%w: empty upload", game.ErrInvalidParameter)
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		return game.Snapshot{}, fmt.Errorf("%w: upload is %s, not an image", game.ErrInvalidParameter, mt.String())
	}
	if err := o.awaitingSeed(id); err != nil {
		return game.Snapshot{}, err
	}
	ref, err := o.images.Save(ctx, id, "seed"+ext, data)
	if err != nil {
		return game.Snapshot{}, fmt.Errorf("store seed image: %w", err)
	}
	return o.SeedSession(ctx, id, ref)
}

// GenerateSeed creates the seed image from a text prompt.
func (o *Orchestrator) GenerateSeed(ctx context.Context, id, prompt string) (game.Snapshot, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return game.Snapshot{}, fmt.Errorf("%w: prompt cannot be empty", game.ErrInvalidParameter)
	}
	if err := o.awaitingSeed(id); err != nil {
		return game.Snapshot{}, err
	}
	if o.generator == nil {
		return game.Snapshot{}, fmt.Errorf("%w: no image generator configured", game.ErrTransformationUnavailable)
	}
	opts := o.cfg.Image
	opts.SessionID = id
	ref, err := o.generator.Generate(ctx, prompt, opts)
	if err != nil {
		return game.Snapshot{}, fmt.Errorf("generate seed: %w", err)
	}
	return o.SeedSession(ctx, id, ref)
}

func (o *Orchestrator) awaitingSeed(id string) error {
	sess, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if st := sess.GetStatus(); st != game.StatusAwaitingSeedImage {
		return fmt.Errorf("%w: seed in status %s", game.ErrInvalidState, st)
	}
	return nil
}

// SubmitTurn plays the current participant's turn. The game is exported and
// archived once the last turn completes.
func (o *Orchestrator) SubmitTurn(ctx context.Context, id, prompt string) (game.RoundResult, error) {
	sess, err := o.registry.Get(id)
	if err != nil {
		return game.RoundResult{}, err
	}
	res, err := sess.SubmitTurn(ctx, prompt, o.transform(id))
	if err != nil {
		log.Warn().Str("session", id).Err(err).Msg("turn failed")
		return game.RoundResult{}, err
	}
	log.Info().Str("session", id).Int("turn", res.Turn).Str("status", string(res.Status)).Msg("turn played")

	snap := sess.Snapshot()
	if res.Completed {
		o.finish(ctx, snap)
	}
	o.notify(EventState, snap)
	return res, nil
}

func (o *Orchestrator) finish(ctx context.Context, snap game.Snapshot) {
	if o.cfg.ExportEnabled && o.cfg.ExportFile != "" {
		if err := game.ExportSnapshot(snap, o.cfg.ExportFile); err != nil {
			log.Error().Err(err).Str("session", snap.ID).Msg("failed to export game data")
		} else {
			log.Info().Str("session", snap.ID).Str("file", o.cfg.ExportFile).Msg("exported game data")
		}
	}
	o.record(ctx, snap)
}

func (o *Orchestrator) record(ctx context.Context, snap game.Snapshot) {
	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.archive.Record(ctx, snap); err != nil {
		log.Error().Err(err).Str("session", snap.ID).Msg("failed to archive game")
	}
}

func (o *Orchestrator) Status(id string) (game.Snapshot, error) {
	sess, err := o.registry.Get(id)
	if err != nil {
		return game.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

func (o *Orchestrator) ResetSession(id string) (game.Snapshot, error) {
	if err := o.registry.Reset(id); err != nil {
		return game.Snapshot{}, err
	}
	sess, err := o.registry.Get(id)
	if err != nil {
		return game.Snapshot{}, err
	}
	log.Info().Str("session", id).Msg("session reset")
	snap := sess.Snapshot()
	o.notify(EventState, snap)
	return snap, nil
}

// ScoreSession scores a completed game and stores the result on the session.
// Oracle degradation is reported in the result, never as an error.
func (o *Orchestrator) ScoreSession(ctx context.Context, id string) (game.ScoreResult, error) {
	sess, err := o.registry.Get(id)
	if err != nil {
		return game.ScoreResult{}, err
	}
	snap := sess.Snapshot()
	res, err := o.scorer.Score(ctx, snap)
	if err != nil {
		return game.ScoreResult{}, err
	}
	if err := sess.RecordScore(snap.Epoch, res); err != nil {
		return game.ScoreResult{}, err
	}
	log.Info().Str("session", id).Int("score", res.FinalScore).Bool("degraded", res.Degraded()).Msg("game scored")

	snap = sess.Snapshot()
	o.record(ctx, snap)
	o.notify(EventScore, snap)
	return res, nil
}

// Image returns the bytes and content type of the artifact at index, where
// index 0 is the seed image.
func (o *Orchestrator) Image(ctx context.Context, id string, index int) ([]byte, string, error) {
	snap, err := o.Status(id)
	if err != nil {
		return nil, "", err
	}
	if index < 0 || index >= len(snap.Images) {
		return nil, "", fmt.Errorf("%w: image %d of %d", game.ErrInvalidParameter, index, len(snap.Images))
	}
	data, err := o.images.Load(ctx, snap.Images[index].Ref)
	if err != nil {
		return nil, "", err
	}
	return data, mimetype.Detect(data).String(), nil
}

// EvictIdle drops sessions idle for longer than maxIdle together with their
// stored images.
func (o *Orchestrator) EvictIdle(maxIdle time.Duration) []string {
	ids := o.registry.EvictIdle(maxIdle)
	rm, ok := o.images.(sessionRemover)
	for _, id := range ids {
		log.Info().Str("session", id).Msg("evicted idle session")
		if !ok {
			continue
		}
		if err := rm.RemoveSession(id); err != nil {
			log.Warn().Str("session", id).Err(err).Msg("failed to remove session images")
		}
	}
	return ids
}

func (o *Orchestrator) transform(id string) game.TransformFunc {
	opts := o.cfg.Image
	opts.SessionID = id
	return func(ctx context.Context, source game.ImageRef, prompt string) (game.ImageRef, error) {
		return o.transformer.Transform(ctx, source, prompt, opts)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/kiliankoe/promptchain/internal/ai"
	"github.com/kiliankoe/promptchain/internal/game"
	"github.com/kiliankoe/promptchain/internal/store"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

type fakeTransformer struct {
	files *store.Files
	mu    sync.Mutex
	calls []string
	fail  error
}

func (f *fakeTransformer) Transform(ctx context.Context, source game.ImageRef, prompt string, opts ai.Options) (game.ImageRef, error) {
	f.mu.Lock()
	f.calls = append(f.calls, string(source)+"|"+prompt)
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	return f.files.Save(ctx, opts.SessionID, "transform.png", pngBytes)
}

type fakeGenerator struct{ files *store.Files }

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, opts ai.Options) (game.ImageRef, error) {
	return g.files.Save(ctx, opts.SessionID, "generated.png", pngBytes)
}

type fakeScorer struct{ result game.ScoreResult }

func (s *fakeScorer) Score(ctx context.Context, snap game.Snapshot) (game.ScoreResult, error) {
	if snap.Status != game.StatusCompleted {
		return game.ScoreResult{}, game.ErrInsufficientData
	}
	return s.result, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []game.Snapshot
}

func (r *fakeRecorder) Record(ctx context.Context, snap game.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, snap)
	return nil
}

type fixture struct {
	o     *Orchestrator
	files *store.Files
	tr    *fakeTransformer
	rec   *fakeRecorder
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	files := store.NewFiles(afero.NewMemMapFs(), "/data")
	tr := &fakeTransformer{files: files}
	rec := &fakeRecorder{}
	o := New(game.NewRegistry(), files, tr, &fakeGenerator{files: files}, &fakeScorer{result: game.ScoreResult{FinalScore: 150}}, cfg).
		WithArchive(rec)
	return fixture{o: o, files: files, tr: tr, rec: rec}
}

func TestFullGameThroughOrchestrator(t *testing.T) {
	exportFile := filepath.Join(t.TempDir(), "results.txt")
	f := newFixture(t, Config{ExportEnabled: true, ExportFile: exportFile})
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []string
	f.o.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	snap, err := f.o.CreateSession(2)
	if err != nil {
		t.Fatalf("should be able to create session: %v", err)
	}
	id := snap.ID
	if snap.Status != game.StatusAwaitingSeedImage {
		t.Fatalf("expected %s, got %s", game.StatusAwaitingSeedImage, snap.Status)
	}
	if _, err := f.o.UploadSeed(ctx, id, "photo.png", pngBytes); err != nil {
		t.Fatalf("should be able to upload seed: %v", err)
	}
	for _, p := range []string{"a cat", "a dog"} {
		if _, err := f.o.SubmitTurn(ctx, id, p); err != nil {
			t.Fatalf("should be able to submit %q: %v", p, err)
		}
	}

	snap, _ = f.o.Status(id)
	if snap.Status != game.StatusCompleted || len(snap.Images) != 3 {
		t.Fatalf("expected completed game with 3 images, got %s with %d", snap.Status, len(snap.Images))
	}
	for _, c := range f.tr.calls {
		if !strings.HasPrefix(c, string(snap.Images[0].Ref)+"|") {
			t.Fatalf("every turn should transform the seed, got call %q", c)
		}
	}
	if _, err := os.Stat(exportFile); err != nil {
		t.Fatalf("completed game should be exported: %v", err)
	}

	res, err := f.o.ScoreSession(ctx, id)
	if err != nil || res.FinalScore != 150 {
		t.Fatalf("expected score 150, got %d (%v)", res.FinalScore, err)
	}
	snap, _ = f.o.Status(id)
	if snap.Score == nil || snap.Score.FinalScore != 150 {
		t.Fatal("score should be stored on the session")
	}
	if len(f.rec.records) != 2 {
		t.Fatalf("expected archive on completion and on scoring, got %d", len(f.rec.records))
	}

	data, ct, err := f.o.Image(ctx, id, 0)
	if err != nil || len(data) == 0 || ct != "image/png" {
		t.Fatalf("expected seed png, got %q (%v)", ct, err)
	}
	if _, _, err := f.o.Image(ctx, id, 3); !errors.Is(err, game.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter for out of range image, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 4 || kinds[3] != EventScore {
		t.Fatalf("expected 3 state events and a score event, got %v", kinds)
	}
}

func TestUploadSeedValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	snap, _ := f.o.CreateSession(2)

	if _, err := f.o.UploadSeed(ctx, snap.ID, "notes.txt", pngBytes); !errors.Is(err, game.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter for extension, got %v", err)
	}
	if _, err := f.o.UploadSeed(ctx, snap.ID, "fake.png", []byte("just some text")); !errors.Is(err, game.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter for non-image content, got %v", err)
	}
	if _, err := f.o.UploadSeed(ctx, "missing", "a.png", pngBytes); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.o.UploadSeed(ctx, snap.ID, "a.PNG", pngBytes); err != nil {
		t.Fatalf("upper case extension should be accepted: %v", err)
	}
	if _, err := f.o.UploadSeed(ctx, snap.ID, "b.png", pngBytes); !errors.Is(err, game.ErrInvalidState) {
		t.Fatalf("second seed should be ErrInvalidState, got %v", err)
	}
}

func TestGenerateSeed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	snap, _ := f.o.CreateSession(3)

	if _, err := f.o.GenerateSeed(ctx, snap.ID, "  "); !errors.Is(err, game.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	snap, err := f.o.GenerateSeed(ctx, snap.ID, "a lighthouse")
	if err != nil {
		t.Fatalf("should be able to generate seed: %v", err)
	}
	if snap.Status != game.StatusReady || len(snap.Images) != 1 {
		t.Fatalf("expected Ready with a seed, got %s / %d images", snap.Status, len(snap.Images))
	}

	noGen := New(game.NewRegistry(), f.files, f.tr, nil, &fakeScorer{}, Config{})
	s2, _ := noGen.CreateSession(2)
	if _, err := noGen.GenerateSeed(ctx, s2.ID, "x"); !errors.Is(err, game.ErrTransformationUnavailable) {
		t.Fatalf("expected ErrTransformationUnavailable, got %v", err)
	}
}

func TestAutoOpening(t *testing.T) {
	f := newFixture(t, Config{AutoOpening: true, OpeningPrompt: "make it surreal"})
	ctx := context.Background()
	snap, _ := f.o.CreateSession(2)

	snap, err := f.o.UploadSeed(ctx, snap.ID, "seed.png", pngBytes)
	if err != nil {
		t.Fatalf("should be able to seed: %v", err)
	}
	if !snap.OpeningPlayed || len(snap.Prompts) != 1 || !snap.Prompts[0].Author.IsAutomated() {
		t.Fatalf("opening round should be recorded, got %+v", snap.Prompts)
	}
	if snap.CurrentTurn != 1 || snap.Status != game.StatusReady {
		t.Fatalf("opening must not consume a turn, got turn %d status %s", snap.CurrentTurn, snap.Status)
	}

	failing := newFixture(t, Config{AutoOpening: true, OpeningPrompt: "make it surreal"})
	failing.tr.fail = game.ErrTransformationUnavailable
	s2, _ := failing.o.CreateSession(2)
	s2, err = failing.o.UploadSeed(ctx, s2.ID, "seed.png", pngBytes)
	if err != nil {
		t.Fatalf("failed opening must not fail the seed: %v", err)
	}
	if !s2.OpeningSkipped || s2.Status != game.StatusReady {
		t.Fatalf("expected skipped opening in Ready, got %+v", s2)
	}
}

func TestFailedTurnLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	snap, _ := f.o.CreateSession(2)
	_, _ = f.o.UploadSeed(ctx, snap.ID, "seed.png", pngBytes)

	f.tr.fail = errors.Join(game.ErrTransformationUnavailable, errors.New("upstream down"))
	if _, err := f.o.SubmitTurn(ctx, snap.ID, "a cat"); !errors.Is(err, game.ErrTransformationUnavailable) {
		t.Fatalf("expected ErrTransformationUnavailable, got %v", err)
	}
	after, _ := f.o.Status(snap.ID)
	if after.CurrentTurn != 1 || len(after.Prompts) != 0 {
		t.Fatalf("failed turn must not advance, got turn %d", after.CurrentTurn)
	}
	if len(f.rec.records) != 0 {
		t.Fatal("nothing should be archived for an incomplete game")
	}
}

func TestScoreBeforeCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	snap, _ := f.o.CreateSession(2)
	if _, err := f.o.ScoreSession(context.Background(), snap.ID); !errors.Is(err, game.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestResetAndEvict(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	snap, _ := f.o.CreateSession(2)
	_, _ = f.o.UploadSeed(ctx, snap.ID, "seed.png", pngBytes)

	reset, err := f.o.ResetSession(snap.ID)
	if err != nil || reset.Status != game.StatusAwaitingSeedImage || len(reset.Images) != 0 {
		t.Fatalf("expected fresh session after reset, got %+v (%v)", reset, err)
	}
	if _, err := f.o.ResetSession("missing"); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	evicted := f.o.EvictIdle(-time.Second)
	if len(evicted) != 1 || evicted[0] != snap.ID {
		t.Fatalf("expected %s evicted, got %v", snap.ID, evicted)
	}
	if _, err := f.o.Status(snap.ID); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("evicted session should be gone, got %v", err)
	}
}

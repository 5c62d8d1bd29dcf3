package game

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Session is a single game's state machine. State is only changed through
// its methods; readers get copies via Snapshot.
type Session struct {
	ID               string
	ParticipantCount int
	CreatedAt        time.Time

	// turn serializes turn attempts; the transform runs while holding it but
	// never while holding mu.
	turn chan struct{}

	mu             sync.Mutex
	status         Status
	currentTurn    int
	prompts        []PromptRecord
	images         []ImageArtifact
	score          *ScoreResult
	openingPlayed  bool
	openingSkipped bool
	epoch          uint64
	updatedAt      time.Time
}

func newSession(id string, participants int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:               id,
		ParticipantCount: participants,
		CreatedAt:        now,
		turn:             make(chan struct{}, 1),
		status:           StatusAwaitingSeedImage,
		currentTurn:      1,
		updatedAt:        now,
	}
}

// reset drops all history. Turns already in flight fail on commit.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusAwaitingSeedImage
	s.currentTurn = 1
	s.prompts = nil
	s.images = nil
	s.score = nil
	s.openingPlayed = false
	s.openingSkipped = false
	s.epoch++
	s.updatedAt = time.Now().UTC()
}

// Seed records ref as the index-0 artifact and makes the session Ready.
func (s *Session) Seed(ref ImageRef) error {
	if strings.TrimSpace(string(ref)) == "" {
		return fmt.Errorf("%w: empty seed image reference", ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAwaitingSeedImage {
		return fmt.Errorf("%w: seed in status %s", ErrInvalidState, s.status)
	}
	s.images = []ImageArtifact{{Ref: ref, ProducedByTurn: 0}}
	s.status = StatusReady
	s.updatedAt = time.Now().UTC()
	return nil
}

// PlayOpening runs the automated opening round against the seed image. It
// does not consume a participant turn. On failure the session stays Ready
// and is flagged as having skipped its opening.
func (s *Session) PlayOpening(ctx context.Context, prompt string, transform TransformFunc) error {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return fmt.Errorf("%w: empty opening prompt", ErrInvalidParameter)
	}
	if err := s.acquireTurn(ctx); err != nil {
		return err
	}
	defer s.releaseTurn()

	s.mu.Lock()
	if s.status != StatusReady || len(s.prompts) > 0 || s.openingSkipped {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: opening round in status %s", ErrInvalidState, st)
	}
	seed := s.images[0].Ref
	epoch := s.epoch
	s.mu.Unlock()

	ref, err := transform(ctx, seed, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return fmt.Errorf("%w: session was reset during the opening round", ErrInvalidState)
	}
	if err != nil {
		s.openingSkipped = true
		s.updatedAt = time.Now().UTC()
		return fmt.Errorf("opening round: %w", err)
	}
	s.prompts = append(s.prompts, PromptRecord{Author: AutomatedAuthor, Text: text, TurnIndex: 0})
	s.images = append(s.images, ImageArtifact{Ref: ref, ProducedByTurn: 0})
	s.openingPlayed = true
	s.updatedAt = time.Now().UTC()
	return nil
}

// SubmitTurn plays the current participant's turn. The transform is always
// applied to the seed image. If it fails, nothing is recorded and the same
// turn may be retried.
func (s *Session) SubmitTurn(ctx context.Context, prompt string, transform TransformFunc) (RoundResult, error) {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return RoundResult{}, fmt.Errorf("%w: prompt cannot be empty", ErrInvalidParameter)
	}
	if err := s.acquireTurn(ctx); err != nil {
		return RoundResult{}, err
	}
	defer s.releaseTurn()

	s.mu.Lock()
	if !s.status.AcceptsTurns() || s.currentTurn > s.ParticipantCount {
		st := s.status
		s.mu.Unlock()
		return RoundResult{}, fmt.Errorf("%w: submit turn in status %s", ErrInvalidState, st)
	}
	seed := s.images[0].Ref
	turn := s.currentTurn
	epoch := s.epoch
	s.mu.Unlock()

	ref, err := transform(ctx, seed, text)
	if err != nil {
		return RoundResult{}, fmt.Errorf("turn %d: %w", turn, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return RoundResult{}, fmt.Errorf("%w: session was reset during turn %d", ErrInvalidState, turn)
	}
	p := PromptRecord{Author: Author(turn), Text: text, TurnIndex: turn}
	img := ImageArtifact{Ref: ref, ProducedByTurn: turn}
	s.prompts = append(s.prompts, p)
	s.images = append(s.images, img)
	s.currentTurn++
	if s.currentTurn > s.ParticipantCount {
		s.status = StatusCompleted
	} else {
		s.status = StatusInProgress
	}
	s.updatedAt = time.Now().UTC()
	return RoundResult{
		Turn:        turn,
		Prompt:      p,
		Image:       img,
		Status:      s.status,
		CurrentTurn: s.currentTurn,
		Completed:   s.status == StatusCompleted,
	}, nil
}

// RecordScore stores result if the session is still the completed game the
// snapshot at epoch was taken from.
func (s *Session) RecordScore(epoch uint64, result ScoreResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.status != StatusCompleted {
		return fmt.Errorf("%w: session changed while scoring", ErrInvalidState)
	}
	r := result.clone()
	s.score = &r
	s.updatedAt = time.Now().UTC()
	return nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:               s.ID,
		ParticipantCount: s.ParticipantCount,
		CurrentTurn:      s.currentTurn,
		Status:           s.status,
		Prompts:          append([]PromptRecord{}, s.prompts...),
		Images:           append([]ImageArtifact{}, s.images...),
		OpeningPlayed:    s.openingPlayed,
		OpeningSkipped:   s.openingSkipped,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.updatedAt,
		Epoch:            s.epoch,
	}
	if s.score != nil {
		r := s.score.clone()
		snap.Score = &r
	}
	return snap
}

func (s *Session) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) acquireTurn(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) releaseTurn() { <-s.turn }

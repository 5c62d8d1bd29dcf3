package game

import (
	"context"
	"errors"
	"strconv"
	"time"
)

type Status string

const (
	StatusAwaitingSeedImage Status = "AwaitingSeedImage"
	StatusReady             Status = "Ready"
	StatusInProgress        Status = "InProgress"
	StatusCompleted         Status = "Completed"
)

// AcceptsTurns reports whether a turn may be submitted in this status.
func (s Status) AcceptsTurns() bool {
	return s == StatusReady || s == StatusInProgress
}

const (
	MinParticipants = 2
	MaxParticipants = 6
)

// Author is a numbered participant (1..n) or AutomatedAuthor.
type Author int

const AutomatedAuthor Author = 0

func (a Author) IsAutomated() bool { return a == AutomatedAuthor }

func (a Author) String() string {
	if a.IsAutomated() {
		return "automated"
	}
	return "player " + strconv.Itoa(int(a))
}

// ImageRef is an opaque handle to image bytes held by a storage collaborator.
type ImageRef string

type PromptRecord struct {
	Author    Author `json:"author"`
	Text      string `json:"text"`
	TurnIndex int    `json:"turnIndex"`
}

type ImageArtifact struct {
	Ref            ImageRef `json:"ref"`
	ProducedByTurn int      `json:"producedByTurn"`
}

// TransformFunc turns the source image into a new one following prompt.
type TransformFunc func(ctx context.Context, source ImageRef, prompt string) (ImageRef, error)

type ScoreWarning struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Round    int    `json:"round"` // 0 when the whole category failed
	Message  string `json:"message"`
}

type ScoreResult struct {
	FinalScore            int            `json:"finalScore"`
	PromptSemanticScores  []float64      `json:"promptSemanticScores"`
	PromptLexicalScores   []float64      `json:"promptLexicalScores"`
	ImageSimilarityScores []float64      `json:"imageSimilarityScores"`
	MeanSemantic          float64        `json:"meanSemantic"`
	MeanLexical           float64        `json:"meanLexical"`
	MeanImage             float64        `json:"meanImage"`
	ReferencePrompt       string         `json:"referencePrompt"`
	ReferenceImage        ImageRef       `json:"referenceImage"`
	Warnings              []ScoreWarning `json:"warnings,omitempty"`
}

func (r ScoreResult) Degraded() bool { return len(r.Warnings) > 0 }

// Err returns nil for a clean result, otherwise an error wrapping
// ErrOracleDegraded for every recorded warning.
func (r ScoreResult) Err() error {
	if len(r.Warnings) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		errs = append(errs, &degradedError{w: w})
	}
	return errors.Join(errs...)
}

func (r ScoreResult) clone() ScoreResult {
	out := r
	out.PromptSemanticScores = append([]float64(nil), r.PromptSemanticScores...)
	out.PromptLexicalScores = append([]float64(nil), r.PromptLexicalScores...)
	out.ImageSimilarityScores = append([]float64(nil), r.ImageSimilarityScores...)
	out.Warnings = append([]ScoreWarning(nil), r.Warnings...)
	return out
}

type degradedError struct{ w ScoreWarning }

func (e *degradedError) Error() string {
	if e.w.Round > 0 {
		return ErrOracleDegraded.Error() + ": " + e.w.Category + " round " + strconv.Itoa(e.w.Round) + ": " + e.w.Message
	}
	return ErrOracleDegraded.Error() + ": " + e.w.Category + ": " + e.w.Message
}

func (e *degradedError) Unwrap() error { return ErrOracleDegraded }

// RoundResult describes a successfully played turn.
type RoundResult struct {
	Turn        int           `json:"turn"`
	Prompt      PromptRecord  `json:"prompt"`
	Image       ImageArtifact `json:"image"`
	Status      Status        `json:"status"`
	CurrentTurn int           `json:"currentTurn"`
	Completed   bool          `json:"isGameComplete"`
}

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	ID               string          `json:"gameId"`
	ParticipantCount int             `json:"numPlayers"`
	CurrentTurn      int             `json:"currentPlayer"`
	Status           Status          `json:"status"`
	Prompts          []PromptRecord  `json:"prompts"`
	Images           []ImageArtifact `json:"images"`
	Score            *ScoreResult    `json:"score,omitempty"`
	OpeningPlayed    bool            `json:"openingPlayed"`
	OpeningSkipped   bool            `json:"openingSkipped"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	Epoch            uint64          `json:"-"`
}

// Seed returns the index-0 artifact, or false before seeding.
func (s Snapshot) Seed() (ImageArtifact, bool) {
	if len(s.Images) == 0 {
		return ImageArtifact{}, false
	}
	return s.Images[0], true
}

// PlayerPrompts returns the prompts recorded by human participants.
func (s Snapshot) PlayerPrompts() []PromptRecord {
	out := make([]PromptRecord, 0, len(s.Prompts))
	for _, p := range s.Prompts {
		if !p.Author.IsAutomated() {
			out = append(out, p)
		}
	}
	return out
}

// Progress is the share of participant turns already played, in percent.
func (s Snapshot) Progress() float64 {
	if s.ParticipantCount == 0 {
		return 0
	}
	return float64(s.CurrentTurn-1) / float64(s.ParticipantCount) * 100
}

package game

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExportSnapshot appends a readable summary of the game to filename.
func ExportSnapshot(snap Snapshot, filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fileExists := false
	if _, err := os.Stat(filename); err == nil {
		fileExists = true
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	if fileExists {
		sb.WriteString("\n\n") // spacing between games
	}
	sb.WriteString(fmt.Sprintf("Prompt Chain Results - Game %s\n", snap.ID))
	sb.WriteString(fmt.Sprintf("Started: %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("Players: %d\n", snap.ParticipantCount))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	if seed, ok := snap.Seed(); ok {
		sb.WriteString(fmt.Sprintf("Seed image: %s\n", seed.Ref))
	}
	if snap.OpeningSkipped {
		sb.WriteString("Opening round: skipped\n")
	}
	sb.WriteString("\n")

	for i, p := range snap.Prompts {
		image := ""
		if i+1 < len(snap.Images) {
			image = string(snap.Images[i+1].Ref)
		}
		if p.Author.IsAutomated() {
			sb.WriteString(fmt.Sprintf("Opening (automated): \"%s\"\n", p.Text))
		} else {
			sb.WriteString(fmt.Sprintf("Round %d (%s): \"%s\"\n", p.TurnIndex, p.Author, p.Text))
		}
		sb.WriteString(fmt.Sprintf("  -> %s\n", image))
	}

	if snap.Score != nil {
		sb.WriteString("\n" + strings.Repeat("-", 40) + "\n")
		sb.WriteString(fmt.Sprintf("Final score: %d\n", snap.Score.FinalScore))
		sb.WriteString(fmt.Sprintf("Mean semantic: %.3f\n", snap.Score.MeanSemantic))
		sb.WriteString(fmt.Sprintf("Mean lexical: %.3f\n", snap.Score.MeanLexical))
		sb.WriteString(fmt.Sprintf("Mean image: %.3f\n", snap.Score.MeanImage))
		for _, w := range snap.Score.Warnings {
			sb.WriteString(fmt.Sprintf("Warning: %s %s round %d: %s\n", w.Code, w.Category, w.Round, w.Message))
		}
	}

	sb.WriteString("\n")
	if snap.Status == StatusCompleted {
		sb.WriteString(fmt.Sprintf("Game ended at %s\n", time.Now().Format("2006-01-02 15:04:05")))
		sb.WriteString(strings.Repeat("=", 50) + "\n")
	}

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

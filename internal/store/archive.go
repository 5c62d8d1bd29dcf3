package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kiliankoe/promptchain/internal/game"
)

// Archive keeps a record of finished games. It is write-mostly and is never
// used to restore live sessions.
type Archive struct {
	db *sql.DB
}

// ArchivedGame is one recorded play-through of a session.
type ArchivedGame struct {
	Snapshot   game.Snapshot
	Epoch      uint64
	FinalScore *int
	RecordedAt time.Time
}

func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// one writer keeps sqlite from reporting SQLITE_BUSY under load
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	a := &Archive{db: db}
	if err := a.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			num_players INTEGER NOT NULL,
			status TEXT NOT NULL,
			final_score INTEGER,
			snapshot TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (id, epoch)
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			game_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			author INTEGER NOT NULL,
			prompt TEXT NOT NULL,
			image_ref TEXT NOT NULL,
			PRIMARY KEY (game_id, epoch, turn)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_games_recorded ON games(recorded_at)`,
	}
	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return fmt.Errorf("archive migration failed: %w", err)
		}
	}
	return nil
}

// Record stores snap, replacing an earlier record of the same play-through.
func (a *Archive) Record(ctx context.Context, snap game.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	var score sql.NullInt64
	if snap.Score != nil {
		score = sql.NullInt64{Int64: int64(snap.Score.FinalScore), Valid: true}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO games (id, epoch, num_players, status, final_score, snapshot, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, epoch) DO UPDATE SET
			status = excluded.status,
			final_score = excluded.final_score,
			snapshot = excluded.snapshot,
			recorded_at = excluded.recorded_at`,
		snap.ID, int64(snap.Epoch), snap.ParticipantCount, string(snap.Status), score, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record game %s: %w", snap.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO rounds (game_id, epoch, turn, author, prompt, image_ref)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, p := range snap.Prompts {
		var ref game.ImageRef
		if i+1 < len(snap.Images) {
			ref = snap.Images[i+1].Ref
		}
		if _, err := stmt.ExecContext(ctx, snap.ID, int64(snap.Epoch), i, int(p.Author), p.Text, string(ref)); err != nil {
			return fmt.Errorf("record round %d of %s: %w", i, snap.ID, err)
		}
	}
	return tx.Commit()
}

// Latest returns the most recent play-through recorded for id.
func (a *Archive) Latest(ctx context.Context, id string) (ArchivedGame, error) {
	row := a.db.QueryRowContext(ctx, `SELECT epoch, final_score, snapshot, recorded_at
		FROM games WHERE id = ? ORDER BY epoch DESC LIMIT 1`, id)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedGame{}, fmt.Errorf("%w: no archive for %s", game.ErrSessionNotFound, id)
	}
	return g, err
}

// Recent lists up to limit records, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]ArchivedGame, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT epoch, final_score, snapshot, recorded_at
		FROM games ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedGame
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGame(s scanner) (ArchivedGame, error) {
	var (
		g        ArchivedGame
		epoch    int64
		score    sql.NullInt64
		data     string
		recorded int64
	)
	if err := s.Scan(&epoch, &score, &data, &recorded); err != nil {
		return ArchivedGame{}, err
	}
	if err := json.Unmarshal([]byte(data), &g.Snapshot); err != nil {
		return ArchivedGame{}, fmt.Errorf("decode archived snapshot: %w", err)
	}
	g.Epoch = uint64(epoch)
	g.Snapshot.Epoch = g.Epoch
	if score.Valid {
		v := int(score.Int64)
		g.FinalScore = &v
	}
	g.RecordedAt = time.UnixMilli(recorded)
	return g, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remimikalsen/local-image-description-ha/internal/domain"
)

// DefaultHistoryLimit applies when History is called with limit <= 0.
const DefaultHistoryLimit = 20

const resultColumns = `id, image_name, instance_id, image_url, prompt, description,
	vision_description, text_prompt, used_text_model, analyzed_at`

type ResultStore struct {
	db *sql.DB
}

func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Save inserts res and sets its ID.
func (s *ResultStore) Save(ctx context.Context, res *domain.Result) error {
	if res.AnalyzedAt.IsZero() {
		res.AnalyzedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO results (image_name, instance_id, image_url, prompt, description,
			vision_description, text_prompt, used_text_model, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.ImageName, res.InstanceID, res.ImageURL, res.Prompt, res.Description,
		res.VisionDescription, res.TextPrompt, res.UsedTextModel, res.AnalyzedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	res.ID = id
	return nil
}

// Latest returns the newest result for imageName, or nil if there is none.
func (s *ResultStore) Latest(ctx context.Context, imageName string) (*domain.Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM results
		WHERE image_name = ?
		ORDER BY analyzed_at DESC, id DESC
		LIMIT 1
	`, imageName)

	res, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest result: %w", err)
	}
	return res, nil
}

// ListLatest returns the newest result of every (instance, image name)
// pair, ordered by image name then instance.
func (s *ResultStore) ListLatest(ctx context.Context) ([]*domain.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM results r
		WHERE r.id = (
			SELECT id FROM results
			WHERE image_name = r.image_name AND instance_id = r.instance_id
			ORDER BY analyzed_at DESC, id DESC
			LIMIT 1
		)
		ORDER BY image_name ASC, instance_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest results: %w", err)
	}
	return collect(rows)
}

// History returns up to limit results for imageName, newest first.
func (s *ResultStore) History(ctx context.Context, imageName string, limit int) ([]*domain.Result, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM results
		WHERE image_name = ?
		ORDER BY analyzed_at DESC, id DESC
		LIMIT ?
	`, imageName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list result history: %w", err)
	}
	return collect(rows)
}

// DeleteByInstance removes every result produced by instanceID.
func (s *ResultStore) DeleteByInstance(ctx context.Context, instanceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE instance_id = ?`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*domain.Result, error) {
	res := &domain.Result{}
	var analyzedAt int64
	if err := row.Scan(&res.ID, &res.ImageName, &res.InstanceID, &res.ImageURL, &res.Prompt,
		&res.Description, &res.VisionDescription, &res.TextPrompt, &res.UsedTextModel, &analyzedAt); err != nil {
		return nil, err
	}
	res.AnalyzedAt = time.UnixMilli(analyzedAt).UTC()
	return res, nil
}

func collect(rows *sql.Rows) ([]*domain.Result, error) {
	defer rows.Close()

	var results []*domain.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

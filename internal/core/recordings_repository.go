package core

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

type RecordingsStorer interface {
	Create(*Recording) error
	Finish(id string, state RecordingState, exitCode *int) error
	Find(id string) (*Recording, error)
	Latest(limit int) ([]*Recording, error)
}

type RecordingsRepository struct {
	db *sqlx.DB
}

func NewRecordingsRepository(db *sqlx.DB) RecordingsStorer {
	return &RecordingsRepository{
		db: db,
	}
}

func (r *RecordingsRepository) Create(rec *Recording) error {
	_, err := r.db.Exec(
		`INSERT INTO recordings
			(id, playlist_path, state, started_at)
		VALUES ($1, $2, $3, $4)`,
		rec.ID,
		rec.PlaylistPath,
		string(rec.State),
		rec.StartedAt,
	)
	return err
}

func (r *RecordingsRepository) Finish(id string, state RecordingState, exitCode *int) error {
	_, err := r.db.Exec(
		`UPDATE recordings SET
			state = $1,
			exit_code = $2,
			finished_at = NOW()
		WHERE id = $3`,
		string(state),
		exitCode,
		id,
	)
	return err
}

func (r *RecordingsRepository) Find(id string) (*Recording, error) {
	rec := &Recording{}

	err := r.db.Get(rec, `SELECT * FROM recordings WHERE id = $1 LIMIT 1`, id)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return rec, nil
}

func (r *RecordingsRepository) Latest(limit int) ([]*Recording, error) {
	recordings := []*Recording{}

	err := r.db.Select(&recordings,
		`SELECT
			id,
			playlist_path,
			state,
			exit_code,
			started_at,
			finished_at
		FROM recordings
		ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}

	return recordings, nil
}

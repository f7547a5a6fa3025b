package store

import (
	"context"
	"time"
)

type ConfigSnapshot struct {
	Profile string
	Payload []byte
	SavedAt time.Time
}

const upsertSnapshot = `-- name: UpsertSnapshot :one
INSERT INTO config_snapshots (profile, payload, saved_at)
VALUES ($1, $2, now())
ON CONFLICT (profile) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at
RETURNING saved_at
`

func (q *Queries) UpsertSnapshot(ctx context.Context, profile string, payload []byte) (time.Time, error) {
	row := q.db.QueryRow(ctx, upsertSnapshot, profile, payload)
	var savedAt time.Time
	err := row.Scan(&savedAt)
	return savedAt, err
}

const getSnapshot = `-- name: GetSnapshot :one
SELECT profile, payload, saved_at FROM config_snapshots
WHERE profile = $1
`

func (q *Queries) GetSnapshot(ctx context.Context, profile string) (ConfigSnapshot, error) {
	row := q.db.QueryRow(ctx, getSnapshot, profile)
	var i ConfigSnapshot
	err := row.Scan(&i.Profile, &i.Payload, &i.SavedAt)
	return i, err
}

const listProfiles = `-- name: ListProfiles :many
SELECT profile FROM config_snapshots
ORDER BY profile
`

func (q *Queries) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, listProfiles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var profile string
		if err := rows.Scan(&profile); err != nil {
			return nil, err
		}
		items = append(items, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

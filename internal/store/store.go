// Package store persists configuration snapshots of a running gateway in
// PostgreSQL, one row per profile.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/thrillee/aegisroute/internal/connector"
	"github.com/thrillee/aegisroute/internal/filter"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// RouteRecord is the persisted form of a route table entry.
type RouteRecord struct {
	Order      int             `json:"order"`
	Type       string          `json:"type"`
	Connectors []string        `json:"connectors"`
	Rate       decimal.Decimal `json:"rate"`
	Filters    []filter.Spec   `json:"filters,omitempty"`
}

// InterceptorRecord is the persisted form of an interceptor table entry.
type InterceptorRecord struct {
	Order   int           `json:"order"`
	Type    string        `json:"type"`
	Script  string        `json:"script"`
	Filters []filter.Spec `json:"filters,omitempty"`
}

// Snapshot is the whole mutable configuration of the gateway. Users carry
// password hashes only.
type Snapshot struct {
	Groups         []routable.Group    `json:"groups"`
	Users          []routable.User     `json:"users"`
	Connectors     []connector.Config  `json:"connectors"`
	MTRoutes       []RouteRecord       `json:"mt_routes"`
	MORoutes       []RouteRecord       `json:"mo_routes"`
	MTInterceptors []InterceptorRecord `json:"mt_interceptors"`
	MOInterceptors []InterceptorRecord `json:"mo_interceptors"`
	SavedAt        time.Time           `json:"saved_at"`
}

// Store saves and loads snapshots.
type Store struct {
	q *Queries
}

func NewStore(db DBTX) *Store {
	return &Store{q: New(db)}
}

// Save writes snap under profile, replacing the previous snapshot.
func (s *Store) Save(ctx context.Context, profile string, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	savedAt, err := s.q.UpsertSnapshot(ctx, profile, payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to save configuration snapshot", slog.String("profile", profile), slog.Any("error", err))
		return fmt.Errorf("save snapshot %q: %w", profile, err)
	}
	snap.SavedAt = savedAt
	slog.InfoContext(ctx, "Configuration snapshot saved", slog.String("profile", profile), slog.Int("bytes", len(payload)))
	return nil
}

// Load reads the snapshot saved under profile. A missing profile is a
// NotFound error.
func (s *Store) Load(ctx context.Context, profile string) (*Snapshot, error) {
	row, err := s.q.GetSnapshot(ctx, profile)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, codes.New(codes.KindNotFound, "no configuration saved under profile %q", profile)
		}
		return nil, fmt.Errorf("load snapshot %q: %w", profile, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(row.Payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", profile, err)
	}
	snap.SavedAt = row.SavedAt
	return &snap, nil
}

// Profiles lists the saved profiles.
func (s *Store) Profiles(ctx context.Context) ([]string, error) {
	return s.q.ListProfiles(ctx)
}

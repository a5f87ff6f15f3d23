package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/store"
)

var _ store.FingerprintIndex = (*FingerprintIndex)(nil)

// FingerprintIndex implements store.FingerprintIndex on the fingerprint_index table. Rows
// cascade away with the job they point at.
type FingerprintIndex struct {
	pool      *pgxpool.Pool
	recordSQL string
}

// NewFingerprintIndex creates an index sharing the connection pool with the job store.
func NewFingerprintIndex(pool *pgxpool.Pool, cfg *FingerprintIndexConfig) (*FingerprintIndex, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cmp := "<"
	if cfg.TieBreak == store.TieBreakLatest {
		cmp = ">"
	}

	// The conditional upsert keeps the decision inside a single statement, so concurrent
	// completions sharing a fingerprint converge on one row.
	recordSQL := fmt.Sprintf(`
		INSERT INTO fingerprint_index (fingerprint, job_id, completed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE
		SET job_id = EXCLUDED.job_id, completed_at = EXCLUDED.completed_at
		WHERE fingerprint_index.job_id = EXCLUDED.job_id
		   OR EXCLUDED.completed_at %[1]s fingerprint_index.completed_at
		   OR (EXCLUDED.completed_at = fingerprint_index.completed_at AND EXCLUDED.job_id < fingerprint_index.job_id)
		RETURNING job_id`, cmp)

	return &FingerprintIndex{pool: pool, recordSQL: recordSQL}, nil
}

func (x *FingerprintIndex) Lookup(ctx context.Context, fingerprint string) (string, bool, error) {
	var jobID string
	err := x.pool.QueryRow(ctx, `SELECT job_id FROM fingerprint_index WHERE fingerprint = $1`, fingerprint).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapPostgresError(err)
	}
	return jobID, true, nil
}

func (x *FingerprintIndex) Record(ctx context.Context, fingerprint, jobID string, completedAt time.Time) (string, error) {
	// match the column precision so equal times compare equal after a round trip
	completedAt = completedAt.Truncate(time.Microsecond)

	var canonical string
	err := x.pool.QueryRow(ctx, x.recordSQL, fingerprint, jobID, completedAt).Scan(&canonical)
	if err == nil {
		return canonical, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", mapPostgresError(err)
	}

	// the existing entry was preferred and left in place
	canonical, ok, err := x.Lookup(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	if !ok {
		// removed between the upsert and the read, try again once
		log.Debug().Str("fingerprint", fingerprint).Msg("Fingerprint entry vanished during record, retrying")
		if err := x.pool.QueryRow(ctx, x.recordSQL, fingerprint, jobID, completedAt).Scan(&canonical); err != nil {
			return "", mapPostgresError(err)
		}
	}
	return canonical, nil
}

func (x *FingerprintIndex) Forget(ctx context.Context, fingerprint, jobID string) error {
	_, err := x.pool.Exec(ctx, `DELETE FROM fingerprint_index WHERE fingerprint = $1 AND job_id = $2`, fingerprint, jobID)
	return mapPostgresError(err)
}

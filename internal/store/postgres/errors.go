package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfeidau/ttsrunner/internal/store"
)

// Constraint names from the migrations that map onto domain errors.
const (
	constraintJobsPkey         = "synthesis_jobs_pkey"
	constraintFingerprintJobFK = "fingerprint_index_job_id_fkey"
)

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Anything that isn't a recognised domain condition is wrapped with store.ErrStorage.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrJobNotFound
	}

	// Check if it's a PostgreSQL error
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %w", store.ErrStorage, err)
	}

	// Map error codes to sentinel errors
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == constraintJobsPkey {
			return fmt.Errorf("%w: %s", store.ErrJobExists, pgErr.Detail)
		}
		return fmt.Errorf("%w: unique constraint violation: %s: %w", store.ErrStorage, pgErr.ConstraintName, err)

	case pgerrcode.ForeignKeyViolation:
		// fingerprint recorded for a job deleted in the meantime
		if pgErr.ConstraintName == constraintFingerprintJobFK {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, pgErr.Detail)
		}
		return fmt.Errorf("%w: foreign key violation: %s: %w", store.ErrStorage, pgErr.ConstraintName, err)

	case pgerrcode.CheckViolation:
		return fmt.Errorf("%w: check constraint violation: %s: %w", store.ErrStorage, pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: transaction conflict (retryable): %w", store.ErrStorage, err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return fmt.Errorf("%w: database connection error: %w", store.ErrStorage, err)

	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return fmt.Errorf("%w: database server unavailable: %w", store.ErrStorage, err)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("%w: query canceled: %w", store.ErrStorage, err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("%w: database resource limit: %w", store.ErrStorage, err)

	default:
		return fmt.Errorf("%w: postgres error [%s]: %s (detail: %s, hint: %s): %w",
			store.ErrStorage, pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}

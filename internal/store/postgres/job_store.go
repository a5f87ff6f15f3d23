package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/query"
	"github.com/wolfeidau/ttsrunner/internal/store"
)

var _ store.JobStore = (*JobStore)(nil)

const jobColumns = `
	id, owner_id, voice_model_id, text_content, text_language, fingerprint, config,
	status, progress, error_message, output_ref, duration_seconds, timestamps,
	cache_hit, cancel_requested, created_at, updated_at, completed_at`

// JobStore implements the store.JobStore interface using PostgreSQL as the backend.
// Per-job mutual exclusion comes from SELECT ... FOR UPDATE inside each update transaction.
type JobStore struct {
	pool *pgxpool.Pool
	cfg  *JobStoreConfig

	// Lifecycle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJobStore creates a new PostgreSQL-backed job store on a shared pool, running
// migrations first when enabled.
func NewJobStore(ctx context.Context, pool *pgxpool.Pool, cfg *JobStoreConfig) (*JobStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &JobStore{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start starts background tasks.
func (s *JobStore) Start() error {
	log.Info().Msg("Starting PostgreSQL job store")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return nil
}

// Stop stops background tasks. The pool is owned by the caller.
func (s *JobStore) Stop() error {
	log.Info().Msg("Stopping PostgreSQL job store")

	close(s.stopCh)
	s.wg.Wait()

	log.Info().Msg("PostgreSQL job store stopped")
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *JobStore) monitorConnectionPool() {
	ticker := time.NewTicker(time.Duration(s.cfg.PoolStatsIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Int64("acquire_duration_ns", stats.AcquireDuration().Nanoseconds()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *JobStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeoutSeconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeoutSeconds)*time.Second)
}

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args, err := jobArgs(job)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO synthesis_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		args...,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job created")
	return nil
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM synthesis_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound(mapPostgresError(err), id)
	}
	return job, nil
}

// Update locks the row, applies fn and writes back the mutable columns in one transaction.
func (s *JobStore) Update(ctx context.Context, id string, fn store.UpdateFunc) (*models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM synthesis_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(mapPostgresError(err), id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	configJSON, timestampsJSON, err := marshalJSONColumns(next)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE synthesis_jobs SET
			text_content = $2,
			text_language = $3,
			fingerprint = $4,
			config = $5,
			status = $6,
			progress = $7,
			error_message = $8,
			output_ref = $9,
			duration_seconds = $10,
			timestamps = $11,
			cache_hit = $12,
			cancel_requested = $13,
			updated_at = $14,
			completed_at = $15
		WHERE id = $1`,
		id,
		next.TextContent,
		next.TextLanguage,
		next.Fingerprint,
		configJSON,
		string(next.Status),
		next.Progress,
		next.ErrorMessage,
		next.OutputRef,
		next.DurationSeconds,
		timestampsJSON,
		next.CacheHit,
		next.CancelRequested,
		next.UpdatedAt,
		next.CompletedAt,
	)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresError(err)
	}

	// identity columns are never written, report them as stored
	next.ID = current.ID
	next.OwnerID = current.OwnerID
	next.VoiceModelID = current.VoiceModelID
	next.CreatedAt = current.CreatedAt

	return next, nil
}

// Delete locks the row, runs check and deletes it in one transaction.
func (s *JobStore) Delete(ctx context.Context, id string, check func(job *models.Job) error) (*models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM synthesis_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(mapPostgresError(err), id)
	}

	if check != nil {
		if err := check(job.Clone()); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM synthesis_jobs WHERE id = $1`, id); err != nil {
		return nil, mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresError(err)
	}

	return job, nil
}

// List counts and pages jobs inside one repeatable read snapshot so total_count and the
// page agree.
func (s *JobStore) List(ctx context.Context, filter query.Filter) ([]*models.Job, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := buildWhere(filter)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read only

	var total int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM synthesis_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPostgresError(err)
	}

	if filter.EmptyPage() || filter.Offset >= total {
		return []*models.Job{}, total, nil
	}

	direction := "DESC"
	if !filter.Descending() {
		direction = "ASC"
	}

	sql := fmt.Sprintf(`SELECT %s FROM synthesis_jobs%s ORDER BY created_at %s, id ASC LIMIT $%d OFFSET $%d`,
		jobColumns, where, direction, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, mapPostgresError(err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0, filter.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, mapPostgresError(err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, mapPostgresError(err)
	}

	log.Debug().
		Str("status", string(filter.Status)).
		Int("count", len(jobs)).
		Int("total", total).
		Msg("Listed jobs")

	return jobs, total, nil
}

// buildWhere renders the filter predicates as a WHERE clause with positional arguments.
func buildWhere(filter query.Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.VoiceModelID != "" {
		add("voice_model_id = $%d", filter.VoiceModelID)
	}
	if filter.TextSearch != "" {
		add(`text_content ILIKE '%%' || $%d || '%%'`, escapeLike(filter.TextSearch))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes a search term match literally inside an ILIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// PendingIDs returns pending job ids oldest first.
func (s *JobStore) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.selectIDs(ctx, `
		SELECT id FROM synthesis_jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, string(models.StatusPending), limit)
}

// StaleProcessingIDs returns processing jobs whose last update is older than before.
func (s *JobStore) StaleProcessingIDs(ctx context.Context, before time.Time) ([]string, error) {
	return s.selectIDs(ctx, `
		SELECT id FROM synthesis_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY id ASC`, string(models.StatusProcessing), before)
}

func (s *JobStore) selectIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return ids, nil
}

func wrapNotFound(err error, id string) error {
	if err == store.ErrJobNotFound {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return err
}

func marshalJSONColumns(job *models.Job) ([]byte, []byte, error) {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var timestampsJSON []byte
	if job.Timestamps != nil {
		timestampsJSON, err = json.Marshal(job.Timestamps)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal timestamps: %w", err)
		}
	}

	return configJSON, timestampsJSON, nil
}

// jobArgs returns the values of jobColumns in order.
func jobArgs(job *models.Job) ([]any, error) {
	configJSON, timestampsJSON, err := marshalJSONColumns(job)
	if err != nil {
		return nil, err
	}

	return []any{
		job.ID,
		job.OwnerID,
		job.VoiceModelID,
		job.TextContent,
		job.TextLanguage,
		job.Fingerprint,
		configJSON,
		string(job.Status),
		job.Progress,
		job.ErrorMessage,
		job.OutputRef,
		job.DurationSeconds,
		timestampsJSON,
		job.CacheHit,
		job.CancelRequested,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	}, nil
}

// scanJob reads a row selected with jobColumns.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job            models.Job
		status         string
		configJSON     []byte
		timestampsJSON []byte
	)

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.VoiceModelID,
		&job.TextContent,
		&job.TextLanguage,
		&job.Fingerprint,
		&configJSON,
		&status,
		&job.Progress,
		&job.ErrorMessage,
		&job.OutputRef,
		&job.DurationSeconds,
		&timestampsJSON,
		&job.CacheHit,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.Status(status)

	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(timestampsJSON) > 0 {
		if err := json.Unmarshal(timestampsJSON, &job.Timestamps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal timestamps: %w", err)
		}
	}

	return &job, nil
}

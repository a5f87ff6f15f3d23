package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/query"
	"github.com/wolfeidau/ttsrunner/internal/store"
)

func TestBuildWhere(t *testing.T) {
	t.Run("no predicates", func(t *testing.T) {
		where, args := buildWhere(query.DefaultFilter())
		require.Empty(t, where)
		require.Empty(t, args)
	})

	t.Run("all predicates numbered in order", func(t *testing.T) {
		f := query.DefaultFilter()
		f.Status = models.StatusFailed
		f.OwnerID = "owner"
		f.VoiceModelID = "vm_1"
		f.TextSearch = "50%_off"

		where, args := buildWhere(f)
		require.Equal(t,
			` WHERE status = $1 AND owner_id = $2 AND voice_model_id = $3 AND text_content ILIKE '%' || $4 || '%'`,
			where)
		require.Equal(t, []any{"failed", "owner", "vm_1", `50\%\_off`}, args)
	})
}

func TestMapPostgresError(t *testing.T) {
	require.NoError(t, mapPostgresError(nil))
	require.ErrorIs(t, mapPostgresError(pgx.ErrNoRows), store.ErrJobNotFound)

	dup := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: constraintJobsPkey}
	require.ErrorIs(t, mapPostgresError(dup), store.ErrJobExists)

	fk := &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: constraintFingerprintJobFK}
	require.ErrorIs(t, mapPostgresError(fk), store.ErrJobNotFound)

	for _, code := range []string{pgerrcode.ConnectionFailure, pgerrcode.DiskFull, pgerrcode.CheckViolation, pgerrcode.SyntaxError} {
		err := mapPostgresError(&pgconn.PgError{Code: code})
		require.ErrorIs(t, err, store.ErrStorage, code)
	}

	require.ErrorIs(t, mapPostgresError(errors.New("dial tcp: refused")), store.ErrStorage)
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	require.Equal(t, 1, migrations[0].version)

	for i := 1; i < len(migrations); i++ {
		require.Less(t, migrations[i-1].version, migrations[i].version)
	}
}

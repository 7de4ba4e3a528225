package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/scanner"
	"github.com/gantrylabs/gantry/pkg/store"
)

func TestRunDispatch(t *testing.T) {
	t.Run("unknown command", func(t *testing.T) {
		var out, errb bytes.Buffer
		code := Run([]string{"gantry", "frobnicate"}, &out, &errb)
		assert.Equal(t, 2, code)
		assert.Contains(t, errb.String(), "unknown command: frobnicate")
	})

	t.Run("help lists every command", func(t *testing.T) {
		var out, errb bytes.Buffer
		code := Run([]string{"gantry", "help"}, &out, &errb)
		require.Equal(t, 0, code)
		for _, cmd := range []string{"serve", "worker", "migrate", "scan", "evaluate", "doctor", "version"} {
			assert.Contains(t, out.String(), cmd)
		}
	})

	t.Run("version", func(t *testing.T) {
		var out, errb bytes.Buffer
		code := Run([]string{"gantry", "version"}, &out, &errb)
		require.Equal(t, 0, code)
		assert.Contains(t, out.String(), version)

		out.Reset()
		code = Run([]string{"gantry", "--version"}, &out, &errb)
		require.Equal(t, 0, code)
		assert.Contains(t, out.String(), version)
	})
}

func TestScanCommand(t *testing.T) {
	t.Run("no input is a usage error", func(t *testing.T) {
		var out, errb bytes.Buffer
		code := runScan(nil, &out, &errb)
		assert.Equal(t, 2, code)
		assert.Contains(t, errb.String(), "usage:")
	})

	t.Run("missing file is a usage error", func(t *testing.T) {
		var out, errb bytes.Buffer
		code := runScan([]string{filepath.Join(t.TempDir(), "nope.txt")}, &out, &errb)
		assert.Equal(t, 2, code)
	})

	t.Run("clean file exits zero", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "clean.txt")
		require.NoError(t, os.WriteFile(path, []byte("quarterly report, nothing exciting"), 0o600))

		var out, errb bytes.Buffer
		code := runScan([]string{path}, &out, &errb)
		assert.Equal(t, 0, code)
		assert.Contains(t, out.String(), "no prohibited content")
	})

	t.Run("pii exits one", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "leaky.txt")
		require.NoError(t, os.WriteFile(path, []byte("contact jane.doe@example.com for access"), 0o600))

		var out, errb bytes.Buffer
		code := runScan([]string{path}, &out, &errb)
		assert.Equal(t, 1, code)
		assert.Contains(t, out.String(), "unsafe")
	})

	t.Run("json output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "leaky.txt")
		require.NoError(t, os.WriteFile(path, []byte("<script>alert(1)</script>"), 0o600))

		var out, errb bytes.Buffer
		code := runScan([]string{"--json", path}, &out, &errb)
		assert.Equal(t, 1, code)

		var res scanner.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &res))
		assert.False(t, res.Safe)
		assert.NotEmpty(t, res.Violations)
	})
}

const seedFixture = `name: base
principals:
  - name: Ops
    email: ops@example.com
    role: admin
policies:
  - name: baseline-rbac
    type: rbac
    rules:
      roles: ["admin"]
    enabled: true
    priority: 10
rate_limits:
  search:
    limit: 100
    window_seconds: 60
prohibited_patterns:
  - type: pii
    regex: '\bssn\b'
    severity: high
    enabled: true
`

func seedTestDB(t *testing.T) (*store.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return &store.DB{DB: sqlx.NewDb(mockDB, "sqlmock"), Driver: store.DriverSQLite}, mock
}

func TestApplySeed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed_base.yaml"), []byte(seedFixture), 0o600))
	logger := slog.Default()

	t.Run("fresh database gets every row", func(t *testing.T) {
		db, mock := seedTestDB(t)

		mock.ExpectQuery(`SELECT \* FROM principals WHERE email`).
			WithArgs("ops@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "role", "created_at"}))
		mock.ExpectQuery(`INSERT INTO principals`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

		mock.ExpectQuery(`SELECT \* FROM policies WHERE name`).
			WithArgs("baseline-rbac").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "rules", "enabled", "priority", "created_at", "updated_at"}))
		mock.ExpectQuery(`INSERT INTO policies`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

		mock.ExpectExec(`INSERT INTO rate_limit_config`).
			WithArgs("search", 100, 60).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery(`SELECT \* FROM prohibited_patterns ORDER BY id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "regex", "severity", "enabled", "description"}))
		mock.ExpectQuery(`INSERT INTO prohibited_patterns`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

		err := applySeed(context.Background(), dir,
			store.NewPolicyRepo(db), store.NewPrincipalRepo(db),
			store.NewRateLimitConfigRepo(db), store.NewPatternRepo(db), logger)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing rows are not duplicated", func(t *testing.T) {
		db, mock := seedTestDB(t)
		now := time.Now().UTC()

		mock.ExpectQuery(`SELECT \* FROM principals WHERE email`).
			WithArgs("ops@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "role", "created_at"}).
				AddRow(int64(1), "Ops", "ops@example.com", "admin", now))

		mock.ExpectQuery(`SELECT \* FROM policies WHERE name`).
			WithArgs("baseline-rbac").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "rules", "enabled", "priority", "created_at", "updated_at"}).
				AddRow(int64(1), "baseline-rbac", "rbac", []byte(`{}`), true, 10, now, now))

		// Rate limits always upsert so profile edits land.
		mock.ExpectExec(`INSERT INTO rate_limit_config`).
			WithArgs("search", 100, 60).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery(`SELECT \* FROM prohibited_patterns ORDER BY id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "regex", "severity", "enabled", "description"}).
				AddRow(int64(1), "pii", `\bssn\b`, "high", true, ""))

		err := applySeed(context.Background(), dir,
			store.NewPolicyRepo(db), store.NewPrincipalRepo(db),
			store.NewRateLimitConfigRepo(db), store.NewPatternRepo(db), logger)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("INFO").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("error").Enabled(ctx, slog.LevelWarn))
	assert.True(t, newLogger("warn").Enabled(ctx, slog.LevelError))
}

func TestConsumerName(t *testing.T) {
	name := consumerName()
	require.NotEmpty(t, name)
	assert.Contains(t, name, "-")
}

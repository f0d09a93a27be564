package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jutper01/openziti-remote-maintenance/internal/audit"
	"github.com/jutper01/openziti-remote-maintenance/internal/store"
)

// =============================================================================
// Helpers
// =============================================================================

// startPostgres spins up a throwaway Postgres container and returns its DSN.
// The container is terminated when the test ends.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("opsagent_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) }) //nolint:errcheck

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func newStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := startPostgres(t)
	s, err := store.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func testRecord(id, outcome string) audit.Record {
	return audit.Record{
		SessionID:  id,
		Service:    "ops.exec",
		Peer:       "operator-1",
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		DurationMs: 42,
		Outcome:    outcome,
	}
}

// =============================================================================
// New / migrate
// =============================================================================

func TestNew_ConnectsAndMigrates(t *testing.T) {
	s := newStore(t)
	assert.NotNil(t, s)
}

func TestNew_MigrateIsIdempotent(t *testing.T) {
	// Running New twice on the same DSN should not fail (CREATE TABLE IF NOT EXISTS).
	dsn := startPostgres(t)
	ctx := context.Background()

	s1, err := store.New(ctx, dsn)
	require.NoError(t, err)
	defer s1.Close() //nolint:errcheck

	s2, err := store.New(ctx, dsn)
	require.NoError(t, err)
	defer s2.Close() //nolint:errcheck
}

func TestNew_InvalidDSN_ReturnsError(t *testing.T) {
	_, err := store.New(context.Background(), "postgres://invalid:5432/nodb")
	assert.Error(t, err)
}

// =============================================================================
// Record
// =============================================================================

func TestRecord_InsertsRow(t *testing.T) {
	s := newStore(t)

	err := s.Record(testRecord("20260830-exec-a1b2c3d4", audit.OutcomeOK))
	assert.NoError(t, err)
}

func TestRecord_DuplicateID_ReturnsError(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Record(testRecord("dup-id", audit.OutcomeOK)))
	err := s.Record(testRecord("dup-id", audit.OutcomeOK))
	assert.Error(t, err, "inserting duplicate session ID should fail")
}

func TestRecord_AllFieldsPersisted(t *testing.T) {
	s := newStore(t)
	rec := audit.Record{
		SessionID:  "full-fields-session",
		Service:    "ops.forward",
		Peer:       "field-tech-7",
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		DurationMs: 91373,
		Outcome:    audit.OutcomeTimeout,
		Detail:     "target=127.0.0.1:5900 bytes_in=1024 bytes_out=4096",
	}

	require.NoError(t, s.Record(rec))

	// Verify through the query path — the row must land in its outcome bucket.
	counts, err := s.Outcomes(context.Background(), rec.StartedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[audit.OutcomeTimeout])
}

// =============================================================================
// Outcomes
// =============================================================================

func TestOutcomes_GroupsByOutcome(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(testRecord("s1", audit.OutcomeOK)))
	require.NoError(t, s.Record(testRecord("s2", audit.OutcomeOK)))
	require.NoError(t, s.Record(testRecord("s3", audit.OutcomeDenied)))

	counts, err := s.Outcomes(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counts[audit.OutcomeOK])
	assert.Equal(t, 1, counts[audit.OutcomeDenied])
}

func TestOutcomes_RespectsWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	old := testRecord("old-session", audit.OutcomeOK)
	old.StartedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.Record(old))
	require.NoError(t, s.Record(testRecord("fresh-session", audit.OutcomeOK)))

	counts, err := s.Outcomes(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[audit.OutcomeOK])
}

func TestOutcomes_EmptyTable(t *testing.T) {
	s := newStore(t)

	counts, err := s.Outcomes(context.Background(), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

// =============================================================================
// Close
// =============================================================================

func TestClose_IsIdempotent(t *testing.T) {
	dsn := startPostgres(t)
	s, err := store.New(context.Background(), dsn)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NotPanics(t, func() { s.Close() }) //nolint:errcheck
}

// =============================================================================
// Concurrent access
// =============================================================================

func TestConcurrent_Record_NoRace(t *testing.T) {
	s := newStore(t)

	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			errCh <- s.Record(testRecord(fmt.Sprintf("concurrent-session-%d", i), audit.OutcomeOK))
		}(i)
	}

	for i := 0; i < 20; i++ {
		assert.NoError(t, <-errCh)
	}
}

package indexstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/browserperf/pkg/config"
	"github.com/ethpandaops/browserperf/pkg/indexstore"
	"github.com/ethpandaops/browserperf/pkg/report"
	"github.com/ethpandaops/browserperf/pkg/stats"
)

func setupTestStore(t *testing.T) indexstore.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: config.DatabaseDriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "index.db")},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := indexstore.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleResult(testID string, startedAt time.Time) *report.Result {
	speedometer := 142.5

	return &report.Result{
		SuiteName:       "ITSM smoke",
		SuiteID:         "SPT00000042",
		TestID:          testID,
		Status:          "succeeded",
		Attempts:        1,
		StartedAt:       startedAt,
		FinishedAt:      startedAt.Add(time.Minute),
		Iterations:      3,
		ExecutedActions: 9,
		Scores:          &report.Scores{Speedometer: &speedometer},
		Stats: []stats.ActionStat{
			{ActionName: "login", Metric: "duration", Summary: stats.Summary{Count: 3, Avg: 900, Min: 800, Max: 1000, Median: 900, P90: 1000}},
			{ActionName: "home", Metric: "duration", Summary: stats.Summary{Count: 3, Avg: 300, Min: 250, Max: 350, Median: 300, P90: 350}},
			{ActionName: "home", Metric: "speedIndex", Summary: stats.Summary{Count: 3, Avg: 1200, Min: 1100, Max: 1300, Median: 1200, P90: 1300}},
		},
	}
}

func TestStore_IndexResult(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IndexResult(ctx, sampleResult("test_a", started)))

	runs, err := s.ListRuns(ctx, "SPT00000042")
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, "test_a", run.TestID)
	assert.Equal(t, "succeeded", run.Status)
	assert.Equal(t, 9, run.ExecutedActions)
	require.NotNil(t, run.Speedometer)
	assert.InDelta(t, 142.5, *run.Speedometer, 0.001)
	assert.Nil(t, run.Octane)
	assert.False(t, run.IndexedAt.IsZero())

	got, err := s.ListActionStats(ctx, "test_a")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "login", got[0].ActionName)
	assert.Equal(t, "home", got[1].ActionName)
	assert.Equal(t, "speedIndex", got[2].Metric)
	assert.InDelta(t, 1300, got[2].P90, 0.001)
}

func TestStore_IndexResultIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	result := sampleResult("test_a", started)
	require.NoError(t, s.IndexResult(ctx, result))

	result.Status = "exhausted"
	result.Attempts = 3
	result.Stats = result.Stats[:1]
	require.NoError(t, s.IndexResult(ctx, result))

	runs, err := s.ListRuns(ctx, "SPT00000042")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "exhausted", runs[0].Status)
	assert.Equal(t, 3, runs[0].Attempts)

	got, err := s.ListActionStats(ctx, "test_a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "login", got[0].ActionName)
}

func TestStore_ListRunsBySuite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IndexResult(ctx, sampleResult("test_old", started)))
	require.NoError(t, s.IndexResult(ctx, sampleResult("test_new", started.Add(time.Hour))))

	other := sampleResult("test_other", started)
	other.SuiteID = "SPT00000007"
	require.NoError(t, s.IndexResult(ctx, other))

	runs, err := s.ListRuns(ctx, "SPT00000042")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "test_new", runs[0].TestID)
	assert.Equal(t, "test_old", runs[1].TestID)

	trend, err := s.ListSuiteActionStats(ctx, "SPT00000042", "home", "duration")
	require.NoError(t, err)
	require.Len(t, trend, 2)
	assert.Equal(t, "test_old", trend[0].TestID)
	assert.Equal(t, "test_new", trend[1].TestID)
}

func TestStore_IndexResultWithoutStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	result := sampleResult("test_a", started)
	result.Stats = nil
	result.Status = "failed"

	require.NoError(t, s.IndexResult(ctx, result))

	got, err := s.ListActionStats(ctx, "test_a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_UnsupportedDriver(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := indexstore.NewStore(log, &config.DatabaseConfig{Driver: "mysql"})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
	assert.NoError(t, s.Stop())
}

func TestFromResult(t *testing.T) {
	run, rows := indexstore.FromResult(sampleResult("test_a", started))

	assert.Equal(t, "SPT00000042", run.SuiteID)
	require.Len(t, rows, 3)

	for i, row := range rows {
		assert.Equal(t, i, row.Position)
		assert.Equal(t, "test_a", row.TestID)
		assert.Equal(t, "SPT00000042", row.SuiteID)
	}
}

// Package indexstore keeps a queryable index of finished runs and their
// aggregated action statistics in SQLite or PostgreSQL.
package indexstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/browserperf/pkg/config"
	"github.com/ethpandaops/browserperf/pkg/report"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides persistence for the run index.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// IndexResult upserts the run and replaces its action statistics in a
	// single transaction.
	IndexResult(ctx context.Context, result *report.Result) error

	UpsertRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, suiteID string) ([]Run, error)
	ListActionStats(ctx context.Context, testID string) ([]ActionStat, error)
	ListSuiteActionStats(ctx context.Context, suiteID, actionName, metric string) ([]ActionStat, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new index Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "indexstore"),
		cfg: cfg,
		now: time.Now,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DatabaseDriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DatabaseDriverPostgres:
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&ActionStat{},
	); err != nil {
		return fmt.Errorf("running index migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Index database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// IndexResult implements Store.
func (s *store) IndexResult(ctx context.Context, result *report.Result) error {
	run, stats := FromResult(result)
	run.IndexedAt = s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertRun(tx, run); err != nil {
			return err
		}

		if err := tx.Where("test_id = ?", run.TestID).Delete(&ActionStat{}).Error; err != nil {
			return fmt.Errorf("deleting action stats: %w", err)
		}

		if len(stats) == 0 {
			return nil
		}

		const batchSize = 100

		if err := tx.CreateInBatches(stats, batchSize).Error; err != nil {
			return fmt.Errorf("inserting action stats: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"test_id": run.TestID,
		"stats":   len(stats),
	}).Info("Run indexed")

	return nil
}

// UpsertRun inserts or updates a run record keyed by test_id.
func (s *store) UpsertRun(ctx context.Context, run *Run) error {
	return upsertRun(s.db.WithContext(ctx), run)
}

func upsertRun(db *gorm.DB, run *Run) error {
	result := db.
		Where("test_id = ?", run.TestID).
		Assign(run).
		FirstOrCreate(run)
	if result.Error != nil {
		return fmt.Errorf("upserting run: %w", result.Error)
	}

	return nil
}

// ListRuns returns the runs of a suite, newest first.
func (s *store) ListRuns(ctx context.Context, suiteID string) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("suite_id = ?", suiteID).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListActionStats returns the statistics of one run in summary order.
func (s *store) ListActionStats(ctx context.Context, testID string) ([]ActionStat, error) {
	var stats []ActionStat
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("position ASC").
		Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("listing action stats: %w", err)
	}

	return stats, nil
}

// ListSuiteActionStats returns one metric of one action across every run of
// a suite, for trend comparison.
func (s *store) ListSuiteActionStats(
	ctx context.Context, suiteID, actionName, metric string,
) ([]ActionStat, error) {
	var stats []ActionStat
	if err := s.db.WithContext(ctx).
		Where("suite_id = ? AND action_name = ? AND metric = ?", suiteID, actionName, metric).
		Order("id ASC").
		Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("listing suite action stats: %w", err)
	}

	return stats, nil
}

// FromResult converts a run result into index rows.
func FromResult(result *report.Result) (*Run, []*ActionStat) {
	run := &Run{
		TestID:           result.TestID,
		SuiteID:          result.SuiteID,
		SuiteName:        result.SuiteName,
		StartedAt:        result.StartedAt,
		FinishedAt:       result.FinishedAt,
		Status:           result.Status,
		Attempts:         result.Attempts,
		Iterations:       result.Iterations,
		FailedIterations: result.FailedIterations,
		ExecutedActions:  result.ExecutedActions,
		ErrorKind:        result.ErrorKind,
	}

	if result.Scores != nil {
		run.Speedometer = result.Scores.Speedometer
		run.Octane = result.Scores.Octane
	}

	stats := make([]*ActionStat, 0, len(result.Stats))

	for i, st := range result.Stats {
		stats = append(stats, &ActionStat{
			TestID:     result.TestID,
			SuiteID:    result.SuiteID,
			ActionName: st.ActionName,
			Metric:     st.Metric,
			Position:   i,
			Count:      st.Count,
			Avg:        st.Avg,
			Min:        st.Min,
			Max:        st.Max,
			Median:     st.Median,
			P90:        st.P90,
		})
	}

	return run, stats
}

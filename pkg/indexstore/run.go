package indexstore

import "time"

// Run represents a single indexed test run in the database.
type Run struct {
	ID               uint   `gorm:"primaryKey"`
	TestID           string `gorm:"not null;uniqueIndex"`
	SuiteID          string `gorm:"not null;index"`
	SuiteName        string
	StartedAt        time.Time
	FinishedAt       time.Time
	Status           string `gorm:"index"`
	Attempts         int
	Iterations       int
	FailedIterations int
	ExecutedActions  int
	Speedometer      *float64
	Octane           *float64
	ErrorKind        string

	IndexedAt time.Time
}

// ActionStat is one aggregated statistic of one action in one run.
type ActionStat struct {
	ID         uint   `gorm:"primaryKey"`
	TestID     string `gorm:"not null;uniqueIndex:idx_as_test_action_metric"`
	SuiteID    string `gorm:"not null;index"`
	ActionName string `gorm:"not null;uniqueIndex:idx_as_test_action_metric"`
	Metric     string `gorm:"not null;uniqueIndex:idx_as_test_action_metric"`
	Position   int
	Count      int
	Avg        float64
	Min        float64
	Max        float64
	Median     float64
	P90        float64
}

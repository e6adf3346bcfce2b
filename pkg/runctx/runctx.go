// Package runctx holds the process scoped identity of a test run and the
// iteration position threaded through every call of the pipeline.
package runctx

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/oklog/ulid/v2"
)

// suiteIDModulus bounds the numeric part of a suite id to 8 digits.
var suiteIDModulus = big.NewInt(100_000_000)

// RunContext is created once per test run and never mutated.
type RunContext struct {
	SuiteName string
	SuiteID   string
	TestID    string
	OutputDir string
	StartedAt time.Time
	Owner     *fsutil.OwnerConfig
}

// Path returns the path of name inside the run output directory.
func (r *RunContext) Path(name string) string {
	return filepath.Join(r.OutputDir, name)
}

// New derives the run identity and creates the output directory
// <resultsDir>/<testId>.
func New(suiteName, resultsDir string, owner *fsutil.OwnerConfig, now time.Time) (*RunContext, error) {
	testID, err := NewTestID(now, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating test id: %w", err)
	}

	outputDir := filepath.Join(resultsDir, testID)
	if err := fsutil.MkdirAll(outputDir, 0o755, owner); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	return &RunContext{
		SuiteName: suiteName,
		SuiteID:   SuiteID(suiteName),
		TestID:    testID,
		OutputDir: outputDir,
		StartedAt: now,
		Owner:     owner,
	}, nil
}

// SuiteID returns "SPT" followed by the sha256 of name reduced modulo 1e8
// and zero padded to 8 digits. The same name always yields the same id.
func SuiteID(name string) string {
	sum := sha256.Sum256([]byte(name))
	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, suiteIDModulus)

	return fmt.Sprintf("SPT%08d", n.Int64())
}

// NewTestID returns "test_" followed by the hex sha256 of the millisecond
// timestamp concatenated with 16 hex characters of entropy.
func NewTestID(now time.Time, entropy io.Reader) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}

	// The ulid's random component is 10 bytes; 8 of them give 16 hex chars.
	random := id.Entropy()[:8]
	seed := strconv.FormatInt(now.UnixMilli(), 10) + hex.EncodeToString(random)
	sum := sha256.Sum256([]byte(seed))

	return "test_" + hex.EncodeToString(sum[:]), nil
}

// Iteration is the position of one outer iteration, 1-based.
type Iteration struct {
	Index int
	Total int
}

// IsLast reports whether this is the final configured iteration.
func (i Iteration) IsLast() bool {
	return i.Index == i.Total
}

// String implements fmt.Stringer.
func (i Iteration) String() string {
	return fmt.Sprintf("%d/%d", i.Index, i.Total)
}

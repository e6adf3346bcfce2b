// Package upload ships a finished run directory to remote object storage.
package upload

import (
	"context"

	"github.com/ethpandaops/browserperf/pkg/runctx"
)

// Uploader uploads a local run directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes and removes a small test object to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads every file of the run directory under
	// <prefix>/<suiteId>/<testId>/.
	Upload(ctx context.Context, run *runctx.RunContext) (*Summary, error)
}

// Summary describes a completed upload.
type Summary struct {
	Files  int
	Bytes  int64
	Prefix string
}

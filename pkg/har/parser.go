package har

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
)

// ParseFile reads and parses a HAR file from disk.
func ParseFile(path string) (*HAR, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening HAR file: %w", err)
	}

	defer func() { _ = file.Close() }()

	return Parse(file)
}

// Parse reads and parses a HAR document.
func Parse(r io.Reader) (*HAR, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading HAR data: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("empty HAR data")
	}

	var doc HAR
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing HAR JSON: %w", err)
	}

	if doc.Log == nil {
		return nil, fmt.Errorf("invalid HAR: missing log")
	}

	return &doc, nil
}

// WriteFile writes doc as indented JSON.
func WriteFile(path string, doc *HAR, owner *fsutil.OwnerConfig) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling HAR: %w", err)
	}

	if err := fsutil.WriteFile(path, data, 0o644, owner); err != nil {
		return fmt.Errorf("writing HAR file: %w", err)
	}

	return nil
}

package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// WriteJSON writes the cases as an indented JSON array of records.
func WriteJSON(w io.Writer, cases []types.TestCase) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Records(cases)); err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	return nil
}

// WriteJSONFile writes the cases to path, creating parent directories as
// needed.
func WriteJSONFile(path string, cases []types.TestCase) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file %s: %w", path, err)
	}
	if err := WriteJSON(f, cases); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

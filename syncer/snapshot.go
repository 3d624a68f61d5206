package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

const indexVersion = 1

// FileSnapshot identifies the content of one file at a point in time. Two
// snapshots with equal Hash are content-identical regardless of ModTime.
type FileSnapshot struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Index is the persisted state of the shadow workspace: every synced file
// keyed by its path relative to the root.
type Index struct {
	Version int                     `json:"version"`
	Root    string                  `json:"root"`
	Saved   time.Time               `json:"saved"`
	Files   map[string]FileSnapshot `json:"files"`
}

func newIndex(root string) *Index {
	return &Index{
		Version: indexVersion,
		Root:    root,
		Files:   make(map[string]FileSnapshot),
	}
}

// loadIndex reads a persisted index. A missing file returns (nil, nil);
// an unreadable or mismatched one returns an error so the caller can take
// the explicit full-reset path.
func loadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", path, err)
	}
	if idx.Version != indexVersion {
		return nil, fmt.Errorf("index %s: unsupported version %d", path, idx.Version)
	}
	if idx.Files == nil {
		idx.Files = make(map[string]FileSnapshot)
	}
	return &idx, nil
}

// saveIndex persists the index atomically.
func saveIndex(path string, idx *Index) error {
	idx.Saved = time.Now()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it into place. A concurrent reader observes either the old
// content or the new, never a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+base+"-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// hashFile streams the file through sha256.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ProjectKey derives the stable identifier naming a project's shadow
// directory: the leading hex of the hash of its absolute root path.
func ProjectKey(root string) string {
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])[:12]
}

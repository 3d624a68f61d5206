package retest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileFilename is the optional per-project configuration file looked up
// in the project root at startup.
const ProfileFilename = ".op-retest.yaml"

// Profile holds per-project defaults. Command line flags that were set
// explicitly take precedence over profile values.
type Profile struct {
	Ignore       []string      `yaml:"ignore"`
	Include      []string      `yaml:"include"`
	Debounce     time.Duration `yaml:"debounce"`
	PollInterval time.Duration `yaml:"poll_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	CancelGrace  time.Duration `yaml:"cancel_grace"`
	Workers      int           `yaml:"workers"`
	GoBinary     string        `yaml:"go_binary"`
	ShadowDir    string        `yaml:"shadow_dir"`
	InPlace      bool          `yaml:"in_place"`
}

// LoadProfile reads the project profile from root. A missing file is not
// an error; a malformed one is.
func LoadProfile(root string) (*Profile, error) {
	path := filepath.Join(root, ProfileFilename)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile file: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile file %s: %w", path, err)
	}
	return &p, nil
}

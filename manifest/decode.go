package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileNames are the manifest file names discovery looks for, in
// preference order.
var FileNames = []string{"plugin.json", "plugin.yaml", "plugin.yml", "plugin.toml"}

// IsManifestFile reports whether path names a plugin manifest.
func IsManifestFile(path string) bool {
	base := filepath.Base(path)
	for _, name := range FileNames {
		if base == name {
			return true
		}
	}
	return false
}

// ParseError reports a malformed manifest file.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads and validates a manifest file. The format is chosen by
// file extension: .json, .yaml/.yml, or .toml.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	m, err := Decode(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, &ParseError{Path: path, Message: err.Error(), Err: err}
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Decode parses manifest data in the given format ("json", "yaml",
// "yml", or "toml"). It does not validate the result.
func Decode(data []byte, format string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case "toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}
	return &m, nil
}

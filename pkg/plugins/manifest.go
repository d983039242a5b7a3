package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// Metadata identifies a plugin.
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Author      string `yaml:"author" json:"author"`
	License     string `yaml:"license" json:"license"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Manifest describes one WASM driver plugin. It sits next to the module
// file it names; the entrypoint is resolved relative to the manifest.
type Manifest struct {
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// DeviceType is the tag the plugin driver registers under. Plugins may
	// introduce tags outside the built-in set.
	DeviceType string `yaml:"device_type" json:"device_type"`

	// Capabilities are the flags the plugin driver advertises. The module's
	// own driver_capabilities export is cross-checked against these at load.
	Capabilities model.CapabilitySet `yaml:"capabilities" json:"capabilities"`

	// Entrypoint is the WASM module path, relative to the manifest file.
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`

	// Checksum is the required sha256 hex digest of the module bytes.
	Checksum string `yaml:"checksum" json:"checksum"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-" json:"-"`

	// WasmPath is the resolved module path.
	WasmPath string `yaml:"-" json:"-"`
}

// LoadManifest reads and validates a plugin manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.Path = path

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", filepath.Base(path), err)
	}

	if filepath.IsAbs(m.Entrypoint) {
		m.WasmPath = m.Entrypoint
	} else {
		m.WasmPath = filepath.Join(filepath.Dir(path), m.Entrypoint)
	}
	if _, err := os.Stat(m.WasmPath); err != nil {
		return nil, fmt.Errorf("wasm module not found at %s: %w", m.WasmPath, err)
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if m.Metadata.Author == "" {
		return fmt.Errorf("plugin author is required")
	}
	if m.Metadata.License == "" {
		return fmt.Errorf("plugin license is required")
	}
	if m.DeviceType == "" {
		return fmt.Errorf("device_type is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	if len(m.Checksum) != sha256.Size*2 {
		return fmt.Errorf("checksum must be a sha256 hex digest")
	}
	return nil
}

// VerifyChecksum compares the module bytes against the manifest digest.
func (m *Manifest) VerifyChecksum(wasm []byte) error {
	sum := sha256.Sum256(wasm)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("checksum mismatch for plugin %s: manifest %s, module %s",
			m.Metadata.Name, m.Checksum, computed)
	}
	return nil
}

package inventory

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// Document is the on-disk inventory shape. YAML is the canonical format;
// JSON documents parse through the same path since YAML subsumes it.
type Document struct {
	Devices []model.Device `json:"devices" yaml:"devices"`
}

var deviceValidator = validator.New()

// LoadFile reads and parses an inventory document. Workers use this to
// materialize the inventory snapshot a queue item references.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory file %s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes and validates an inventory document, preserving device
// order as written.
func Parse(data []byte) (*Static, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory YAML: %w", err)
	}
	if err := validateDevices(doc.Devices); err != nil {
		return nil, err
	}
	return NewStatic(doc.Devices), nil
}

func validateDevices(devices []model.Device) error {
	seen := make(map[string]int, len(devices))
	for i, d := range devices {
		if err := deviceValidator.Struct(&d); err != nil {
			return fmt.Errorf("device %d (%q): %w", i, d.ID, err)
		}
		if !d.DeviceType.Valid() {
			return fmt.Errorf("device %q: unknown device type %q", d.ID, d.DeviceType)
		}
		if prev, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate device id %q at positions %d and %d", d.ID, prev, i)
		}
		seen[d.ID] = i
	}
	return nil
}

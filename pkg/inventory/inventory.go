// Package inventory resolves job target selectors against a device
// inventory. The engine consumes the Provider interface only; the backing
// format (a YAML document, or anything a caller wraps in Static) is this
// package's concern.
package inventory

import (
	"context"
	"fmt"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// Provider resolves a target selector to an ordered device list. Resolution
// preserves the inventory's natural order: callers rely on that for canary
// slicing and for deterministic outcome order at max_parallel = 1.
type Provider interface {
	// Resolve materializes the devices matched by the selector. Unknown IDs
	// in an ids selector are ignored; an empty result is not an error.
	Resolve(ctx context.Context, sel model.TargetSelector) ([]model.Device, error)
}

// Static is an in-memory inventory over a fixed device list.
type Static struct {
	devices []model.Device
}

// NewStatic builds a Static inventory. The slice is not copied; callers must
// not mutate it afterwards.
func NewStatic(devices []model.Device) *Static {
	return &Static{devices: devices}
}

// Len returns the device count.
func (s *Static) Len() int {
	return len(s.devices)
}

// Resolve implements Provider.
func (s *Static) Resolve(ctx context.Context, sel model.TargetSelector) ([]model.Device, error) {
	switch sel.Mode {
	case "", model.TargetAll:
		out := make([]model.Device, len(s.devices))
		copy(out, s.devices)
		return out, nil

	case model.TargetByIDs:
		want := make(map[string]bool, len(sel.IDs))
		for _, id := range sel.IDs {
			want[id] = true
		}
		var out []model.Device
		for _, d := range s.devices {
			if want[d.ID] {
				out = append(out, d)
			}
		}
		return out, nil

	case model.TargetByTags:
		var out []model.Device
		for _, d := range s.devices {
			if hasAllTags(&d, sel.Tags) {
				out = append(out, d)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown target mode %q", sel.Mode)
}

// hasAllTags reports whether the device carries every tag in the list. A
// tags selector with an empty list matches everything, same as all mode.
func hasAllTags(d *model.Device, tags []string) bool {
	for _, tag := range tags {
		if !d.HasTag(tag) {
			return false
		}
	}
	return true
}

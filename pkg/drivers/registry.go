package drivers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// ErrUnsupportedType is returned by DriverFor when no driver is registered
// for a device type. The engine maps it to a Skipped outcome.
var ErrUnsupportedType = errors.New("unsupported device type")

// Registry maps device types to drivers. It is built once at process start
// and immutable thereafter; lookups are a plain map read and safe from any
// goroutine.
type Registry struct {
	drivers map[model.DeviceType]Driver
}

// NewRegistry builds a registry from a driver list. A duplicate device
// type keeps the first registration.
func NewRegistry(drivers ...Driver) *Registry {
	byType := make(map[model.DeviceType]Driver, len(drivers))
	for _, d := range drivers {
		if _, ok := byType[d.DeviceType()]; !ok {
			byType[d.DeviceType()] = d
		}
	}
	return &Registry{drivers: byType}
}

// DriverFor returns the driver registered for the device type.
func (r *Registry) DriverFor(t model.DeviceType) (Driver, error) {
	d, ok := r.drivers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return d, nil
}

// Types returns the registered device types in sorted order.
func (r *Registry) Types() []model.DeviceType {
	types := make([]model.DeviceType, 0, len(r.drivers))
	for t := range r.drivers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Options configures the built-in drivers.
type Options struct {
	// KnownHostsPath points at the OpenSSH known_hosts file used by the
	// CLI and NETCONF drivers when StrictHostKeyChecking is set.
	KnownHostsPath string

	// StrictHostKeyChecking rejects unknown SSH host keys.
	StrictHostKeyChecking bool

	// HTTPClient is shared by the HTTP drivers. When nil a client is built
	// from the TRUST_BUNDLE and HTTP_TIMEOUT_SECS environment toggles.
	HTTPClient *http.Client
}

// NewDefaultRegistry registers the six built-in drivers.
func NewDefaultRegistry(opts Options) (*Registry, error) {
	if opts.HTTPClient == nil {
		client, err := NewHTTPClient()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		opts.HTTPClient = client
	}
	return NewRegistry(
		NewCiscoIOSDriver(opts),
		NewJuniperJunosDriver(opts),
		NewAristaEOSDriver(opts),
		NewCiscoNXOSDriver(opts),
		NewMerakiCloudDriver(opts),
		NewGenericSSHDriver(opts),
	), nil
}

// NewMockRegistry registers a mock driver for every built-in device type.
// Used by tests and by the worker's mock mode.
func NewMockRegistry() *Registry {
	return NewRegistry(
		NewMockDriver(model.DeviceTypeCiscoIOS),
		NewMockDriver(model.DeviceTypeJuniperNetconf),
		NewMockDriver(model.DeviceTypeAristaEOS),
		NewMockDriver(model.DeviceTypeCiscoNXOS),
		NewMockDriver(model.DeviceTypeMerakiCloud),
		NewMockDriver(model.DeviceTypeGenericSSH),
	)
}

package model

import (
	"fmt"
	"strings"
	"sync"
)

// DeviceType identifies the transport and semantics family of a device.
// The set is closed: drivers are registered per type and lookups for
// unknown tags fail with an unsupported-type error.
type DeviceType string

const (
	// DeviceTypeCiscoIOS is a Cisco IOS device managed over interactive CLI.
	DeviceTypeCiscoIOS DeviceType = "cisco-ios-cli"

	// DeviceTypeJuniperNetconf is a Juniper Junos device managed over the
	// NETCONF SSH subsystem.
	DeviceTypeJuniperNetconf DeviceType = "juniper-netconf"

	// DeviceTypeAristaEOS is an Arista EOS device managed over CLI or eAPI.
	DeviceTypeAristaEOS DeviceType = "arista-eos-cli"

	// DeviceTypeCiscoNXOS is a Cisco NX-OS device managed over the NX-API
	// HTTP endpoint.
	DeviceTypeCiscoNXOS DeviceType = "cisco-nxos-http"

	// DeviceTypeMerakiCloud is a device managed through the Meraki cloud
	// dashboard API.
	DeviceTypeMerakiCloud DeviceType = "meraki-cloud-http"

	// DeviceTypeGenericSSH is any SSH-reachable host without vendor
	// semantics.
	DeviceTypeGenericSSH DeviceType = "generic-ssh-cli"
)

// deviceTypeAliases maps legacy and shorthand spellings to canonical tags.
var deviceTypeAliases = map[string]DeviceType{
	"cisco-ios-cli":     DeviceTypeCiscoIOS,
	"cisco_ios":         DeviceTypeCiscoIOS,
	"ciscoios":          DeviceTypeCiscoIOS,
	"juniper-netconf":   DeviceTypeJuniperNetconf,
	"juniper_junos":     DeviceTypeJuniperNetconf,
	"juniperjunos":      DeviceTypeJuniperNetconf,
	"arista-eos-cli":    DeviceTypeAristaEOS,
	"arista_eos":        DeviceTypeAristaEOS,
	"aristaeos":         DeviceTypeAristaEOS,
	"cisco-nxos-http":   DeviceTypeCiscoNXOS,
	"cisco_nxos_api":    DeviceTypeCiscoNXOS,
	"nxos":              DeviceTypeCiscoNXOS,
	"meraki-cloud-http": DeviceTypeMerakiCloud,
	"meraki_cloud":      DeviceTypeMerakiCloud,
	"merakicloud":       DeviceTypeMerakiCloud,
	"generic-ssh-cli":   DeviceTypeGenericSSH,
	"generic_ssh":       DeviceTypeGenericSSH,
	"genericssh":        DeviceTypeGenericSSH,
}

// Plugin-provided device types. The built-in set stays closed; plugins
// admit their own tags at load time, before any inventory is decoded.
var (
	registeredMu    sync.RWMutex
	registeredTypes = map[DeviceType]bool{}
)

// RegisterDeviceType admits a plugin-provided tag into the device type set.
// Tags are lowercase with hyphen separators, matching the built-in spelling.
func RegisterDeviceType(s string) (DeviceType, error) {
	tag := strings.ToLower(strings.TrimSpace(s))
	if tag == "" {
		return "", fmt.Errorf("empty device type")
	}
	for _, r := range tag {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return "", fmt.Errorf("invalid device type %q", s)
		}
	}
	t := DeviceType(tag)
	registeredMu.Lock()
	registeredTypes[t] = true
	registeredMu.Unlock()
	return t, nil
}

func isRegistered(t DeviceType) bool {
	registeredMu.RLock()
	defer registeredMu.RUnlock()
	return registeredTypes[t]
}

// ParseDeviceType converts a string tag to a DeviceType. Legacy underscore
// spellings and plugin-registered tags are accepted; unknown tags return an
// error.
func ParseDeviceType(s string) (DeviceType, error) {
	if t, ok := deviceTypeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	if t := DeviceType(strings.ToLower(strings.TrimSpace(s))); isRegistered(t) {
		return t, nil
	}
	return "", fmt.Errorf("unknown device type %q", s)
}

// String returns the canonical tag.
func (t DeviceType) String() string {
	return string(t)
}

// Valid reports whether the tag belongs to the built-in set or was
// registered by a plugin.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeCiscoIOS, DeviceTypeJuniperNetconf, DeviceTypeAristaEOS,
		DeviceTypeCiscoNXOS, DeviceTypeMerakiCloud, DeviceTypeGenericSSH:
		return true
	}
	return isRegistered(t)
}

// UnmarshalText accepts alias spellings when decoding YAML or JSON
// inventories.
func (t *DeviceType) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText emits the canonical tag.
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t), nil
}

// CredentialRef names a credential held by the secret store. Devices
// reference credentials by name only; the secret material is resolved
// lazily per device task and never stored on the device.
type CredentialRef struct {
	// Name is the lookup key in the secret store.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind optionally constrains the expected credential kind. Empty
	// accepts whatever the store returns.
	Kind CredentialKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Device is one manageable network element. Devices are immutable within a
// job: the engine materializes the resolved target list once and never
// mutates it.
type Device struct {
	// ID is the stable identifier used in outcomes and audit records.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the human-readable device name used in logs.
	Name string `json:"name" yaml:"name" validate:"required"`

	// MgmtAddress is the management address: host, host:port, or a
	// scheme-prefixed URL for HTTP transports.
	MgmtAddress string `json:"mgmt_address" yaml:"mgmt_address" validate:"required"`

	// DeviceType selects the driver.
	DeviceType DeviceType `json:"device_type" yaml:"device_type" validate:"required"`

	// Tags is an ordered sequence of freeform labels. Tag matching and
	// driver hints (for example "transport:eapi") both read from here.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// CredentialRef names the credential to resolve for this device.
	CredentialRef CredentialRef `json:"credential" yaml:"credential"`
}

// HasTag reports whether the device carries the exact tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagValue returns the value part of a "key:value" tag, or "" when absent.
// The first matching tag wins, preserving inventory order.
func (d *Device) TagValue(key string) string {
	prefix := key + ":"
	for _, t := range d.Tags {
		if strings.HasPrefix(t, prefix) {
			return strings.TrimPrefix(t, prefix)
		}
	}
	return ""
}

// CapabilitySet describes what a driver can do. The engine consults these
// flags to decide pre-check, dry-run, and rollback semantics; a driver must
// never advertise a capability its implementation does not honor.
type CapabilitySet struct {
	// SupportsCommit indicates a two-phase load-then-commit model.
	SupportsCommit bool `json:"supports_commit" yaml:"supports_commit"`

	// SupportsDryRun indicates apply can validate without persisting.
	SupportsDryRun bool `json:"supports_dry_run" yaml:"supports_dry_run"`

	// SupportsRollback indicates the driver can revert to a snapshot.
	// When false the engine never emits a RolledBack outcome for the
	// driver's devices.
	SupportsRollback bool `json:"supports_rollback" yaml:"supports_rollback"`

	// SupportsDiff indicates the running config can be captured for
	// before/after comparison.
	SupportsDiff bool `json:"supports_diff" yaml:"supports_diff"`

	// Transactional indicates config changes are atomic on the device.
	Transactional bool `json:"transactional" yaml:"transactional"`
}

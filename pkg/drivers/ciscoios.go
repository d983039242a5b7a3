package drivers

import (
	"context"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// CiscoIOSDriver manages Cisco IOS and IOS-XE devices over interactive
// CLI. Config pushes are framed with configure terminal / end; rollback
// replays the captured snapshot through configure replace.
type CiscoIOSDriver struct {
	opts Options
}

// NewCiscoIOSDriver builds the IOS driver.
func NewCiscoIOSDriver(opts Options) *CiscoIOSDriver {
	return &CiscoIOSDriver{opts: opts}
}

func (d *CiscoIOSDriver) DeviceType() model.DeviceType {
	return model.DeviceTypeCiscoIOS
}

func (d *CiscoIOSDriver) Name() string {
	return "Cisco IOS CLI"
}

// Capabilities: the session honors snapshot rollback and running-config
// capture; there is no candidate commit or dry-run on classic IOS.
func (d *CiscoIOSDriver) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{
		SupportsRollback: true,
		SupportsDiff:     true,
	}
}

func (d *CiscoIOSDriver) Connect(ctx context.Context, device *model.Device, cred *model.Credential) (Session, error) {
	return dialCLI(ctx, device, cred, d.opts, iosProfile)
}

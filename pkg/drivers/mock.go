package drivers

import (
	"context"
	"fmt"
	"sync"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// MockDriver simulates a device family for tests and for the worker's mock
// mode. Behavior is steered by device tags and magic command strings, so
// callers can exercise failure, timeout, and rollback paths without real
// devices:
//
//	tag mock:fail          Exec and ApplyConfig fail
//	tag mock:apply-fail    ApplyConfig fails after a partial write
//	tag mock:connect-fail  Connect always fails with a transient error
//	tag mock:flaky-connect the first Connect fails transiently, later ones succeed
//	tag mock:auth-fail     Connect fails with an authentication error
//	command "fail"         Exec fails
//	command "timeout"      Exec blocks until the context is cancelled
type MockDriver struct {
	deviceType model.DeviceType
	caps       model.CapabilitySet

	mu        sync.Mutex
	connects  map[string]int
	applies   map[string]int
	rollbacks map[string]int
}

// NewMockDriver builds a mock that advertises the full capability set.
func NewMockDriver(deviceType model.DeviceType) *MockDriver {
	return &MockDriver{
		deviceType: deviceType,
		caps: model.CapabilitySet{
			SupportsCommit:   true,
			SupportsDryRun:   true,
			SupportsRollback: true,
			SupportsDiff:     true,
			Transactional:    true,
		},
		connects:  make(map[string]int),
		applies:   make(map[string]int),
		rollbacks: make(map[string]int),
	}
}

// WithCapabilities overrides the advertised capability set.
func (d *MockDriver) WithCapabilities(caps model.CapabilitySet) *MockDriver {
	d.caps = caps
	return d
}

func (d *MockDriver) DeviceType() model.DeviceType {
	return d.deviceType
}

func (d *MockDriver) Name() string {
	return "Mock Driver"
}

func (d *MockDriver) Capabilities() model.CapabilitySet {
	return d.caps
}

func (d *MockDriver) Connect(ctx context.Context, device *model.Device, cred *model.Credential) (Session, error) {
	d.mu.Lock()
	d.connects[device.ID]++
	attempt := d.connects[device.ID]
	d.mu.Unlock()

	switch {
	case device.HasTag("mock:connect-fail"):
		return nil, &mockTransientError{msg: fmt.Sprintf("simulated connect failure for %s", device.ID)}
	case device.HasTag("mock:flaky-connect") && attempt == 1:
		return nil, &mockTransientError{msg: fmt.Sprintf("simulated transient connect failure for %s", device.ID)}
	case device.HasTag("mock:auth-fail"):
		return nil, &mockAuthError{msg: fmt.Sprintf("simulated auth failure for %s", device.ID)}
	}

	return &mockSession{
		driver: d,
		device: device,
		config: fmt.Sprintf("hostname %s\ninterface Loopback0\n ip address 192.0.2.1/32\n", device.Name),
	}, nil
}

// ConnectCount reports how many times Connect ran for the device.
func (d *MockDriver) ConnectCount(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects[deviceID]
}

// ApplyCount reports how many times ApplyConfig ran for the device.
func (d *MockDriver) ApplyCount(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applies[deviceID]
}

// RollbackCount reports how many times Rollback ran for the device.
func (d *MockDriver) RollbackCount(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbacks[deviceID]
}

// mockSession holds an in-memory running config so diff and rollback paths
// see real state changes.
type mockSession struct {
	driver *MockDriver
	device *model.Device
	config string
}

func (s *mockSession) Exec(ctx context.Context, command string) (string, error) {
	if s.device.HasTag("mock:fail") {
		return "", fmt.Errorf("simulated failure for %s", s.device.ID)
	}
	switch command {
	case "fail":
		return "", fmt.Errorf("simulated command failure on %s", s.device.ID)
	case "timeout":
		<-ctx.Done()
		return "", ctx.Err()
	}
	return fmt.Sprintf("output of %q", command), nil
}

func (s *mockSession) GetConfig(ctx context.Context) (string, error) {
	return s.config, nil
}

func (s *mockSession) ApplyConfig(ctx context.Context, snippet string, opts ApplyOptions) (*ApplyResult, error) {
	if s.device.HasTag("mock:fail") {
		return nil, fmt.Errorf("simulated failure for %s", s.device.ID)
	}

	if opts.DryRun {
		return &ApplyResult{
			Logs: []string{fmt.Sprintf("validated %d config lines", countSnippetLines(snippet))},
		}, nil
	}

	if s.device.HasTag("mock:apply-fail") {
		// Leave a partial write behind so rollback has something to undo.
		s.config += "! partial apply\n"
		return nil, fmt.Errorf("simulated apply failure on %s", s.device.ID)
	}

	s.driver.mu.Lock()
	s.driver.applies[s.device.ID]++
	commit := s.driver.applies[s.device.ID]
	s.driver.mu.Unlock()

	s.config += snippet
	if len(snippet) > 0 && snippet[len(snippet)-1] != '\n' {
		s.config += "\n"
	}
	return &ApplyResult{
		CommitToken: fmt.Sprintf("mock-commit-%d", commit),
		Logs:        []string{fmt.Sprintf("applied %d config lines", countSnippetLines(snippet))},
	}, nil
}

func (s *mockSession) Rollback(ctx context.Context, snapshot string) error {
	if snapshot == "" {
		return fmt.Errorf("device %s: no snapshot to roll back to", s.device.ID)
	}
	s.driver.mu.Lock()
	s.driver.rollbacks[s.device.ID]++
	s.driver.mu.Unlock()
	s.config = snapshot
	return nil
}

func (s *mockSession) Close() error {
	return nil
}

type mockTransientError struct{ msg string }

func (e *mockTransientError) Error() string   { return e.msg }
func (e *mockTransientError) Temporary() bool { return true }

type mockAuthError struct{ msg string }

func (e *mockAuthError) Error() string     { return e.msg }
func (e *mockAuthError) AuthFailure() bool { return true }

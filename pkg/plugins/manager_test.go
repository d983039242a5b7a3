package plugins

import (
	"context"
	"testing"

	"github.com/opennetfab/opennetfab/pkg/audit"
	"github.com/opennetfab/opennetfab/pkg/drivers"
	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

func quietLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return logger
}

type recordingSink struct {
	records []audit.Record
}

func (r *recordingSink) Append(_ context.Context, rec audit.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func TestLoad_ChecksumMismatchRejected(t *testing.T) {
	wasm := []byte("module bytes")
	_, manifestPath := writePluginDir(t, wasm, checksumOf([]byte("different bytes")))

	sink := &recordingSink{}
	m := NewManager(quietLogger(t), sink)

	if _, err := m.Load(context.Background(), manifestPath); err == nil {
		t.Fatal("expected checksum mismatch to reject the plugin")
	}

	if len(sink.records) != 1 || sink.records[0].EventKind != audit.EventPluginSignatureCheck {
		t.Fatalf("expected one signature-check audit record, got %+v", sink.records)
	}
}

func TestLoad_InvalidModuleRejected(t *testing.T) {
	// Correct checksum, but the bytes are not a wasm module so compilation
	// must fail.
	wasm := []byte("not really wasm")
	_, manifestPath := writePluginDir(t, wasm, checksumOf(wasm))

	sink := &recordingSink{}
	m := NewManager(quietLogger(t), sink)

	if _, err := m.Load(context.Background(), manifestPath); err == nil {
		t.Fatal("expected an unparsable module to fail compilation")
	}

	// The signature check passed and was audited before compilation failed.
	if len(sink.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(sink.records))
	}
}

func TestLoadDir_SkipsBrokenPlugins(t *testing.T) {
	wasm := []byte("still not wasm")
	dir, _ := writePluginDir(t, wasm, checksumOf(wasm))

	m := NewManager(quietLogger(t), audit.NopSink{})
	if err := m.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("directory scan should survive broken plugins: %v", err)
	}
	if len(m.Drivers()) != 0 {
		t.Fatalf("expected no drivers from broken plugins, got %d", len(m.Drivers()))
	}
}

func TestLoadDir_MissingDirectory(t *testing.T) {
	m := NewManager(quietLogger(t), audit.NopSink{})
	if err := m.LoadDir(context.Background(), "/nonexistent/plugins"); err == nil {
		t.Fatal("expected a missing plugin directory to error")
	}
}

func TestExtendRegistry_BuiltinsWin(t *testing.T) {
	m := NewManager(quietLogger(t), audit.NopSink{})

	base := drivers.NewMockRegistry()
	extended, err := m.ExtendRegistry(base)
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if len(extended.Types()) != len(base.Types()) {
		t.Fatalf("empty manager must not change the registry, got %v", extended.Types())
	}
	for _, typ := range base.Types() {
		if _, err := extended.DriverFor(typ); err != nil {
			t.Errorf("base driver %s missing after extension: %v", typ, err)
		}
	}
}

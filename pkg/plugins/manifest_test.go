package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writePluginDir(t *testing.T, wasm []byte, checksum string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	wasmPath := filepath.Join(dir, "fortios.wasm")
	if err := os.WriteFile(wasmPath, wasm, 0o644); err != nil {
		t.Fatalf("failed to write wasm: %v", err)
	}

	manifest := fmt.Sprintf(`
metadata:
  name: fortinet-fortios
  version: 1.2.0
  author: netfab contributors
  license: Apache-2.0
  description: FortiOS CLI driver
device_type: fortinet-fortios-cli
capabilities:
  supports_diff: true
  supports_rollback: true
entrypoint: fortios.wasm
checksum: %s
`, checksum)
	manifestPath := filepath.Join(dir, "fortios.yaml")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return dir, manifestPath
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestLoadManifest(t *testing.T) {
	wasm := []byte("not really wasm")
	_, manifestPath := writePluginDir(t, wasm, checksumOf(wasm))

	m, err := LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if m.Metadata.Name != "fortinet-fortios" || m.Metadata.Version != "1.2.0" {
		t.Errorf("unexpected metadata %+v", m.Metadata)
	}
	if m.DeviceType != "fortinet-fortios-cli" {
		t.Errorf("unexpected device type %q", m.DeviceType)
	}
	if !m.Capabilities.SupportsDiff || !m.Capabilities.SupportsRollback {
		t.Errorf("unexpected capabilities %+v", m.Capabilities)
	}
	if m.Capabilities.SupportsCommit {
		t.Error("commit capability should default to false")
	}
	if filepath.Base(m.WasmPath) != "fortios.wasm" {
		t.Errorf("unexpected wasm path %q", m.WasmPath)
	}
}

func TestLoadManifest_MissingWasm(t *testing.T) {
	wasm := []byte("payload")
	dir, manifestPath := writePluginDir(t, wasm, checksumOf(wasm))
	if err := os.Remove(filepath.Join(dir, "fortios.wasm")); err != nil {
		t.Fatalf("failed to remove wasm: %v", err)
	}

	if _, err := LoadManifest(manifestPath); err == nil {
		t.Fatal("expected missing wasm module to fail")
	}
}

func TestLoadManifest_RejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := `
metadata:
  name: nameless
device_type: x-cli
entrypoint: x.wasm
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected incomplete manifest to be rejected")
	}
}

func TestVerifyChecksum(t *testing.T) {
	wasm := []byte("module bytes")
	_, manifestPath := writePluginDir(t, wasm, checksumOf(wasm))

	m, err := LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := m.VerifyChecksum(wasm); err != nil {
		t.Fatalf("expected checksum to verify: %v", err)
	}
	if err := m.VerifyChecksum([]byte("tampered")); err == nil {
		t.Fatal("expected tampered module to fail verification")
	}
}

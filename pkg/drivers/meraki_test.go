package drivers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// merakiTestSession points a real session at a local dashboard stand-in.
func merakiTestSession(t *testing.T, handler http.HandlerFunc) (*merakiSession, func()) {
	t.Helper()
	server := httptest.NewServer(handler)

	device := &model.Device{
		ID:          "ap-01",
		Name:        "ap-01",
		MgmtAddress: "N_8642",
		DeviceType:  model.DeviceTypeMerakiCloud,
	}
	driver := NewMerakiCloudDriver(Options{HTTPClient: server.Client()})
	sess, err := driver.Connect(context.Background(), device, model.NewAPIToken([]byte("tok-123")))
	if err != nil {
		server.Close()
		t.Fatalf("Connect failed: %v", err)
	}

	ms := sess.(*merakiSession)
	ms.base = server.URL
	return ms, server.Close
}

func TestMerakiSessionExec(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotKey string
	var gotBody map[string]string

	sess, done := merakiTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("X-Cisco-Meraki-API-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"queued"}`))
	})
	defer done()

	out, err := sess.Exec(context.Background(), "reboot device")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if !strings.Contains(out, "queued") {
		t.Errorf("output = %q", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/networks/N_8642/reboot%20device" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "tok-123" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody["device"] != "ap-01" || gotBody["operation"] != "reboot device" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestMerakiSessionApplyConfig(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotBody map[string]string

	sess, done := merakiTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	})
	defer done()

	result, err := sess.ApplyConfig(context.Background(), "ssid: corp\npsk: hunter2", ApplyOptions{})
	if err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}
	if len(result.Logs) == 0 {
		t.Error("expected apply logs")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/networks/N_8642/apply_config" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotBody["payload"], "ssid: corp") {
		t.Errorf("payload = %q", gotBody["payload"])
	}
}

func TestMerakiSessionRefusesDryRunAndRollback(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	sess, done := merakiTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Write([]byte(`{}`))
	})
	defer done()

	if _, err := sess.ApplyConfig(context.Background(), "x", ApplyOptions{DryRun: true}); err == nil {
		t.Error("expected dry-run refusal")
	}
	if err := sess.Rollback(context.Background(), "snapshot"); err == nil {
		t.Error("expected rollback refusal")
	}

	// No config text to capture either, but that is not an error.
	config, err := sess.GetConfig(context.Background())
	if err != nil || config != "" {
		t.Errorf("GetConfig = %q, %v", config, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("refused operations reached the dashboard %d times", calls)
	}
}

func TestMerakiConnectRequiresAPIToken(t *testing.T) {
	device := &model.Device{
		ID:          "ap-01",
		Name:        "ap-01",
		MgmtAddress: "N_8642",
		DeviceType:  model.DeviceTypeMerakiCloud,
	}
	driver := NewMerakiCloudDriver(Options{HTTPClient: http.DefaultClient})

	_, err := driver.Connect(context.Background(), device, model.NewUserPassword("admin", []byte("pw")))
	if err == nil {
		t.Fatal("expected credential kind rejection")
	}
	if !strings.Contains(err.Error(), "api-token") {
		t.Errorf("error %v does not name the required kind", err)
	}
}

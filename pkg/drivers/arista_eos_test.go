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

func TestUsesEAPI(t *testing.T) {
	cases := []struct {
		name   string
		device model.Device
		want   bool
	}{
		{"plain host", model.Device{MgmtAddress: "switch1.lab"}, false},
		{"tagged", model.Device{MgmtAddress: "switch1.lab", Tags: []string{"transport:eapi"}}, true},
		{"tag case insensitive", model.Device{MgmtAddress: "switch1.lab", Tags: []string{"Transport:EAPI"}}, true},
		{"https address", model.Device{MgmtAddress: "https://switch1.lab"}, true},
		{"http address", model.Device{MgmtAddress: "http://switch1.lab:8080"}, true},
	}
	for _, tc := range cases {
		if got := usesEAPI(&tc.device); got != tc.want {
			t.Errorf("%s: usesEAPI = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEAPIEndpoint(t *testing.T) {
	if got := eapiEndpoint("switch1.lab"); got != "https://switch1.lab/command-api" {
		t.Errorf("bare host endpoint = %q", got)
	}
	if got := eapiEndpoint("https://switch1.lab:8443/"); got != "https://switch1.lab:8443/command-api" {
		t.Errorf("url endpoint = %q", got)
	}
}

// eapiTestServer records runCmds calls and replies from a scripted queue.
type eapiTestServer struct {
	mu       sync.Mutex
	requests [][]string
	replies  []string
}

func (s *eapiTestServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				Cmds []string `json:"cmds"`
			} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		s.mu.Lock()
		s.requests = append(s.requests, req.Params.Cmds)
		reply := `{"result":[{}]}`
		if len(s.replies) > 0 {
			reply = s.replies[0]
			s.replies = s.replies[1:]
		}
		s.mu.Unlock()

		w.Write([]byte(reply))
	}
}

func (s *eapiTestServer) lastRequest() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func eapiTestSession(t *testing.T, ts *eapiTestServer) (Session, func()) {
	t.Helper()
	server := httptest.NewServer(ts.handler())

	device := &model.Device{
		ID:          "eos-01",
		Name:        "eos-01",
		MgmtAddress: server.URL,
		DeviceType:  model.DeviceTypeAristaEOS,
	}
	cred := model.NewUserPassword("admin", []byte("secret"))

	driver := NewAristaEOSDriver(Options{HTTPClient: server.Client()})
	sess, err := driver.Connect(context.Background(), device, cred)
	if err != nil {
		server.Close()
		t.Fatalf("Connect failed: %v", err)
	}
	return sess, func() {
		sess.Close()
		server.Close()
	}
}

func TestEAPISessionExec(t *testing.T) {
	ts := &eapiTestServer{replies: []string{`{"result":[{},{"output":"Arista vEOS 4.30"}]}`}}
	sess, done := eapiTestSession(t, ts)
	defer done()

	out, err := sess.Exec(context.Background(), "show version")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if out != "Arista vEOS 4.30" {
		t.Errorf("output = %q", out)
	}

	cmds := ts.lastRequest()
	if len(cmds) != 2 || cmds[0] != "enable" || cmds[1] != "show version" {
		t.Errorf("cmds = %v, want enable prologue", cmds)
	}
}

func TestEAPISessionReportsJSONRPCError(t *testing.T) {
	ts := &eapiTestServer{replies: []string{`{"error":{"code":1002,"message":"CLI command failed"}}`}}
	sess, done := eapiTestSession(t, ts)
	defer done()

	_, err := sess.Exec(context.Background(), "show bogus")
	if err == nil {
		t.Fatal("expected error for eAPI error envelope")
	}
	if !strings.Contains(err.Error(), "1002") || !strings.Contains(err.Error(), "CLI command failed") {
		t.Errorf("error %v does not surface the eAPI failure", err)
	}
}

func TestEAPISessionGetConfig(t *testing.T) {
	ts := &eapiTestServer{replies: []string{`{"result":[{},{"output":"hostname eos-01\n"}]}`}}
	sess, done := eapiTestSession(t, ts)
	defer done()

	config, err := sess.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if !strings.Contains(config, "hostname eos-01") {
		t.Errorf("config = %q", config)
	}

	cmds := ts.lastRequest()
	if len(cmds) != 2 || cmds[1] != "show running-config" {
		t.Errorf("cmds = %v", cmds)
	}
}

func TestEAPISessionApplyConfig(t *testing.T) {
	ts := &eapiTestServer{replies: []string{`{"result":[{},{},{},{},{}]}`}}
	sess, done := eapiTestSession(t, ts)
	defer done()

	result, err := sess.ApplyConfig(context.Background(),
		"interface Ethernet1\n  description uplink\n", ApplyOptions{WriteStartup: true})
	if err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}
	if len(result.Logs) == 0 {
		t.Error("expected per-command logs")
	}

	want := []string{"enable", "configure terminal", "interface Ethernet1", "description uplink", "write memory"}
	cmds := ts.lastRequest()
	if len(cmds) != len(want) {
		t.Fatalf("cmds = %v, want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("cmds[%d] = %q, want %q", i, cmds[i], want[i])
		}
	}
}

func TestEAPISessionRefusesDryRunAndRollback(t *testing.T) {
	ts := &eapiTestServer{}
	sess, done := eapiTestSession(t, ts)
	defer done()

	if _, err := sess.ApplyConfig(context.Background(), "hostname x", ApplyOptions{DryRun: true}); err == nil {
		t.Error("expected dry-run refusal")
	}
	if err := sess.Rollback(context.Background(), "hostname old"); err == nil {
		t.Error("expected rollback refusal over eAPI")
	}
	if ts.lastRequest() != nil {
		t.Error("refused operations must not reach the device")
	}
}

func TestEAPIConnectRequiresUserPassword(t *testing.T) {
	device := &model.Device{
		ID:          "eos-01",
		Name:        "eos-01",
		MgmtAddress: "https://eos-01.lab",
		DeviceType:  model.DeviceTypeAristaEOS,
	}
	driver := NewAristaEOSDriver(Options{HTTPClient: http.DefaultClient})

	_, err := driver.Connect(context.Background(), device, model.NewAPIToken([]byte("tok")))
	if err == nil {
		t.Fatal("expected credential kind rejection")
	}
}

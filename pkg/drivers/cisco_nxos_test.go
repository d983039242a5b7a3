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

func TestNXOSEndpoint(t *testing.T) {
	if got := nxosEndpoint("n9k-01.lab"); got != "https://n9k-01.lab/ins" {
		t.Errorf("bare host endpoint = %q", got)
	}
	if got := nxosEndpoint("http://n9k-01.lab:8080/"); got != "http://n9k-01.lab:8080/ins" {
		t.Errorf("url endpoint = %q", got)
	}
}

// nxosTestServer records ins_api calls and replies from a scripted queue.
type nxosTestServer struct {
	mu      sync.Mutex
	types   []string
	inputs  []string
	replies []string
}

func (s *nxosTestServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			InsAPI struct {
				Version string `json:"version"`
				Type    string `json:"type"`
				Input   string `json:"input"`
			} `json:"ins_api"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		s.mu.Lock()
		s.types = append(s.types, req.InsAPI.Type)
		s.inputs = append(s.inputs, req.InsAPI.Input)
		reply := `{"ins_api":{"outputs":{"output":{"code":"200","msg":"Success","body":""}}}}`
		if len(s.replies) > 0 {
			reply = s.replies[0]
			s.replies = s.replies[1:]
		}
		s.mu.Unlock()

		w.Write([]byte(reply))
	}
}

func (s *nxosTestServer) lastCall() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return "", ""
	}
	return s.types[len(s.types)-1], s.inputs[len(s.inputs)-1]
}

func nxosTestSession(t *testing.T, ts *nxosTestServer) (Session, func()) {
	t.Helper()
	server := httptest.NewServer(ts.handler())

	device := &model.Device{
		ID:          "n9k-01",
		Name:        "n9k-01",
		MgmtAddress: server.URL,
		DeviceType:  model.DeviceTypeCiscoNXOS,
	}
	cred := model.NewUserPassword("admin", []byte("secret"))

	driver := NewCiscoNXOSDriver(Options{HTTPClient: server.Client()})
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

func TestNXOSSessionExec(t *testing.T) {
	ts := &nxosTestServer{replies: []string{
		`{"ins_api":{"outputs":{"output":{"code":"200","msg":"Success","body":"NXOS version 9.3(5)"}}}}`,
	}}
	sess, done := nxosTestSession(t, ts)
	defer done()

	out, err := sess.Exec(context.Background(), "show version")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if out != "NXOS version 9.3(5)" {
		t.Errorf("output = %q", out)
	}

	insType, input := ts.lastCall()
	if insType != "cli_show" || input != "show version" {
		t.Errorf("call = %q %q", insType, input)
	}
}

func TestNXOSSessionExecStructuredBody(t *testing.T) {
	ts := &nxosTestServer{replies: []string{
		`{"ins_api":{"outputs":{"output":{"code":"200","msg":"Success","body":{"hostname":"n9k-01"}}}}}`,
	}}
	sess, done := nxosTestSession(t, ts)
	defer done()

	out, err := sess.Exec(context.Background(), "show hostname")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if !strings.Contains(out, "n9k-01") {
		t.Errorf("structured body lost: %q", out)
	}
}

func TestNXOSSessionFailureCode(t *testing.T) {
	ts := &nxosTestServer{replies: []string{
		`{"ins_api":{"outputs":{"output":[` +
			`{"code":"200","msg":"Success","body":""},` +
			`{"code":"400","msg":"Invalid command","body":""}]}}}`,
	}}
	sess, done := nxosTestSession(t, ts)
	defer done()

	_, err := sess.Exec(context.Background(), "show bogus")
	if err == nil {
		t.Fatal("expected error for non-200 command code")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "Invalid command") {
		t.Errorf("error %v does not surface the command failure", err)
	}
}

func TestNXOSSessionApplyConfigJoinsLines(t *testing.T) {
	ts := &nxosTestServer{}
	sess, done := nxosTestSession(t, ts)
	defer done()

	result, err := sess.ApplyConfig(context.Background(),
		"interface Ethernet1/1\n  mtu 9216\n", ApplyOptions{WriteStartup: true})
	if err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}
	if len(result.Logs) == 0 {
		t.Error("expected apply logs")
	}

	insType, input := ts.lastCall()
	if insType != "cli_conf" {
		t.Errorf("type = %q, want cli_conf", insType)
	}
	want := "interface Ethernet1/1 ;mtu 9216 ;copy running-config startup-config"
	if input != want {
		t.Errorf("input = %q, want %q", input, want)
	}
}

func TestNXOSSessionRefusesDryRunRollbackAndEmptySnippet(t *testing.T) {
	ts := &nxosTestServer{}
	sess, done := nxosTestSession(t, ts)
	defer done()

	if _, err := sess.ApplyConfig(context.Background(), "hostname x", ApplyOptions{DryRun: true}); err == nil {
		t.Error("expected dry-run refusal")
	}
	if _, err := sess.ApplyConfig(context.Background(), "  \n\n", ApplyOptions{}); err == nil {
		t.Error("expected empty snippet refusal")
	}
	if err := sess.Rollback(context.Background(), "old config"); err == nil {
		t.Error("expected rollback refusal")
	}
	if _, input := ts.lastCall(); input != "" {
		t.Errorf("refused operations must not reach the device, saw %q", input)
	}
}

func TestNXOSConnectRequiresUserPassword(t *testing.T) {
	device := &model.Device{
		ID:          "n9k-01",
		Name:        "n9k-01",
		MgmtAddress: "n9k-01.lab",
		DeviceType:  model.DeviceTypeCiscoNXOS,
	}
	driver := NewCiscoNXOSDriver(Options{HTTPClient: http.DefaultClient})

	_, err := driver.Connect(context.Background(), device, model.NewAPIToken([]byte("tok")))
	if err == nil {
		t.Fatal("expected credential kind rejection")
	}
}

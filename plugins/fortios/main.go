// A sample driver plugin for FortiOS devices. It compiles to WASM with
// tinygo and talks to the host over the packed-pointer JSON ABI:
//
//	tinygo build -o fortios.wasm -target wasi .
//	sha256sum fortios.wasm   # goes into the manifest checksum field
//
// The device interaction here is canned: the plugin demonstrates the ABI
// and the session semantics, not a real FortiOS transport.
package main

import (
	"encoding/json"
	"strings"
	"unsafe"
)

// Request and response shapes, mirroring the host side.

type request struct {
	Op     string  `json:"op"`
	Device device  `json:"device"`
	Auth   auth    `json:"auth"`
	Command      string `json:"command,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	WriteStartup bool   `json:"write_startup,omitempty"`
	Snapshot     string `json:"snapshot,omitempty"`
}

type device struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MgmtAddress string   `json:"mgmt_address"`
	Tags        []string `json:"tags,omitempty"`
}

type auth struct {
	Kind     string `json:"kind"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type response struct {
	Output      string   `json:"output,omitempty"`
	Config      string   `json:"config,omitempty"`
	Logs        []string `json:"logs,omitempty"`
	CommitToken string   `json:"commit_token,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type capabilities struct {
	SupportsCommit   bool `json:"supports_commit"`
	SupportsDryRun   bool `json:"supports_dry_run"`
	SupportsRollback bool `json:"supports_rollback"`
	SupportsDiff     bool `json:"supports_diff"`
	Transactional    bool `json:"transactional"`
}

// runningConfig is per-instance state. The host instantiates a fresh module
// per session, so this maps onto one device conversation.
var runningConfig = strings.Join([]string{
	"config system global",
	"    set hostname fortigate",
	"end",
	"",
}, "\n")

// Memory management. The host calls malloc/free for requests; responses are
// allocated here and freed by the host after reading.

var allocations = map[uint32][]byte{}

//export malloc
func malloc(size uint32) uint32 {
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocations[ptr] = buf
	return ptr
}

//export free
func free(ptr uint32) {
	delete(allocations, ptr)
}

func readRequest(ptr, length uint32) (*request, *response) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &response{Error: "bad request: " + err.Error()}
	}
	return &req, nil
}

func pack(resp *response) uint64 {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"response encoding failed"}`)
	}
	ptr := malloc(uint32(len(data)))
	copy(allocations[ptr], data)
	return uint64(ptr)<<32 | uint64(len(data))
}

func packRaw(data []byte) uint64 {
	ptr := malloc(uint32(len(data)))
	copy(allocations[ptr], data)
	return uint64(ptr)<<32 | uint64(len(data))
}

//export driver_capabilities
func driverCapabilities(ptr, length uint32) uint64 {
	data, _ := json.Marshal(capabilities{
		SupportsDryRun:   true,
		SupportsRollback: true,
		SupportsDiff:     true,
	})
	return packRaw(data)
}

//export driver_execute
func driverExecute(ptr, length uint32) uint64 {
	req, errResp := readRequest(ptr, length)
	if errResp != nil {
		return pack(errResp)
	}
	return pack(handleExecute(req))
}

//export driver_rollback
func driverRollback(ptr, length uint32) uint64 {
	req, errResp := readRequest(ptr, length)
	if errResp != nil {
		return pack(errResp)
	}
	return pack(handleRollback(req))
}

func handleExecute(req *request) *response {
	if req.Auth.Username == "" && req.Auth.Token == "" {
		return &response{Error: "authentication required"}
	}

	switch req.Op {
	case "exec":
		return execCommand(req)
	case "get_config":
		return &response{Config: runningConfig}
	case "apply_config":
		return applyConfig(req)
	default:
		return &response{Error: "unknown operation " + req.Op}
	}
}

func execCommand(req *request) *response {
	cmd := strings.TrimSpace(req.Command)
	switch {
	case cmd == "":
		return &response{Error: "empty command"}
	case strings.HasPrefix(cmd, "get system status"):
		return &response{Output: "Version: FortiOS v7.4.3\nHostname: " + req.Device.Name + "\n"}
	case strings.HasPrefix(cmd, "get "), strings.HasPrefix(cmd, "diagnose "), strings.HasPrefix(cmd, "show"):
		return &response{Output: "command accepted\n"}
	default:
		return &response{Error: "unrecognized command"}
	}
}

func applyConfig(req *request) *response {
	if strings.TrimSpace(req.Snippet) == "" {
		return &response{Error: "empty snippet"}
	}
	logs := []string{"validated " + itoa(countLines(req.Snippet)) + " lines"}
	if req.DryRun {
		logs = append(logs, "dry run, not persisted")
		return &response{Logs: logs}
	}
	runningConfig += req.Snippet
	if !strings.HasSuffix(runningConfig, "\n") {
		runningConfig += "\n"
	}
	logs = append(logs, "applied")
	if req.WriteStartup {
		logs = append(logs, "execute backup config saved")
	}
	return &response{Logs: logs, CommitToken: "fg-commit-1"}
}

func handleRollback(req *request) *response {
	if req.Snapshot == "" {
		return &response{Error: "rollback requires a snapshot"}
	}
	runningConfig = req.Snapshot
	return &response{Logs: []string{"restored snapshot"}}
}

func countLines(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// itoa avoids pulling strconv into the tinygo binary for one call site.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func main() {}

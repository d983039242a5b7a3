package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// bridge wraps one instantiated plugin module. Payloads cross the boundary
// as JSON: the host mallocs and writes the request, the module returns its
// response as a packed (ptr << 32 | len) u64, and each side frees what the
// other allocated.
type bridge struct {
	module api.Module
	memory api.Memory

	malloc api.Function
	free   api.Function

	execute      api.Function
	rollback     api.Function
	capabilities api.Function

	timeout time.Duration
}

func newBridge(module api.Module, timeout time.Duration) (*bridge, error) {
	b := &bridge{
		module:  module,
		timeout: timeout,
	}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("plugin module does not export memory")
	}

	for _, export := range []struct {
		name string
		dst  *api.Function
	}{
		{"malloc", &b.malloc},
		{"free", &b.free},
		{"driver_execute", &b.execute},
		{"driver_rollback", &b.rollback},
		{"driver_capabilities", &b.capabilities},
	} {
		fn := module.ExportedFunction(export.name)
		if fn == nil {
			return nil, fmt.Errorf("plugin module does not export %s", export.name)
		}
		*export.dst = fn
	}

	return b, nil
}

// Capabilities calls the module's driver_capabilities export.
func (b *bridge) Capabilities(ctx context.Context) (model.CapabilitySet, error) {
	out, err := b.call(ctx, b.capabilities, nil)
	if err != nil {
		return model.CapabilitySet{}, fmt.Errorf("driver_capabilities failed: %w", err)
	}
	var caps model.CapabilitySet
	if err := json.Unmarshal(out, &caps); err != nil {
		return model.CapabilitySet{}, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return caps, nil
}

// Execute calls driver_execute with a JSON request and decodes the response.
func (b *bridge) Execute(ctx context.Context, req *callRequest) (*callResponse, error) {
	return b.jsonCall(ctx, b.execute, "driver_execute", req)
}

// Rollback calls driver_rollback with a JSON request.
func (b *bridge) Rollback(ctx context.Context, req *callRequest) (*callResponse, error) {
	return b.jsonCall(ctx, b.rollback, "driver_rollback", req)
}

func (b *bridge) jsonCall(ctx context.Context, fn api.Function, name string, req *callRequest) (*callResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", name, err)
	}

	out, err := b.call(ctx, fn, payload)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}

	var resp callResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("plugin error: %s", resp.Error)
	}
	return &resp, nil
}

// call invokes one export with the packed pointer ABI.
func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write request to plugin memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("plugin call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("plugin call returned no result")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read response from plugin memory")
	}
	// Copy before freeing: Read aliases the module's linear memory.
	copied := make([]byte, len(output))
	copy(copied, output)

	if err := b.deallocate(ctx, outputPtr); err != nil {
		return nil, err
	}
	return copied, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("plugin malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("plugin malloc returned null")
	}
	return uint32(results[0]), nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("plugin free failed: %w", err)
	}
	return nil
}

// callRequest is the wire shape of one driver operation. Secret material
// crosses into the sandbox only here and is never logged.
type callRequest struct {
	Op     string     `json:"op"`
	Device deviceInfo `json:"device"`
	Auth   authInfo   `json:"auth"`

	Command      string `json:"command,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	WriteStartup bool   `json:"write_startup,omitempty"`
	Snapshot     string `json:"snapshot,omitempty"`
}

// Operation discriminators for callRequest.Op.
const (
	opExec        = "exec"
	opGetConfig   = "get_config"
	opApplyConfig = "apply_config"
)

type deviceInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MgmtAddress string   `json:"mgmt_address"`
	Tags        []string `json:"tags,omitempty"`
}

type authInfo struct {
	Kind     string `json:"kind"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type callResponse struct {
	Output      string   `json:"output,omitempty"`
	Config      string   `json:"config,omitempty"`
	Logs        []string `json:"logs,omitempty"`
	CommitToken string   `json:"commit_token,omitempty"`
	Error       string   `json:"error,omitempty"`
}

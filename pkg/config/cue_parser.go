package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser evaluates CUE process-configuration documents into Config
// values. The document is unified with the embedded #Config schema before
// decoding, so type and range mistakes surface with file positions instead
// of as silently zeroed fields.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:     ctx,
		schemas: NewSchemaRegistry(ctx),
	}
}

// Load reads, evaluates, and validates a config file. The returned slice
// carries located validation problems; a non-nil error means the file could
// not be processed at all.
func (cp *CUEParser) Load(path string) (*Config, []ValidationError, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return cp.parse(string(content), path)
}

// LoadOrDefault behaves like Load but a missing file yields the default
// config: the worker and CLI are runnable without any config file.
func (cp *CUEParser) LoadOrDefault(path string) (*Config, []ValidationError, error) {
	if path == "" {
		cfg := Default()
		return cfg, nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		return cfg, nil, nil
	}
	return cp.Load(path)
}

// ParseInline evaluates inline CUE content.
func (cp *CUEParser) ParseInline(content string) (*Config, []ValidationError, error) {
	return cp.parse(content, "inline")
}

func (cp *CUEParser) parse(content, filename string) (*Config, []ValidationError, error) {
	val := cp.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err), nil
	}

	schema, ok := cp.schemas.GetSchema(SchemaConfig)
	if !ok {
		return nil, nil, fmt.Errorf("config schema missing from registry")
	}
	unified := schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return nil, convertCUEErrors(err), nil
	}

	cfg := &Config{}
	if err := unified.Decode(cfg); err != nil {
		return nil, convertCUEErrors(err), nil
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, []ValidationError{{
			File:     filename,
			Message:  err.Error(),
			Severity: "error",
		}}, nil
	}
	return cfg, nil, nil
}

// convertCUEErrors flattens a CUE error tree into located validation
// errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}

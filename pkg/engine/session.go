package engine

import (
	"context"

	"github.com/opennetfab/opennetfab/pkg/drivers"
)

// instrumentedSession decorates a driver session so every operation the
// lifecycle performs shows up in the driver call metrics and as a span,
// without drivers carrying any telemetry themselves.
type instrumentedSession struct {
	drivers.Session
	run    *jobRun
	driver string
}

func (s *instrumentedSession) Exec(ctx context.Context, command string) (string, error) {
	var output string
	err := s.run.driverCall(ctx, s.driver, "exec", func(ctx context.Context) error {
		var cerr error
		output, cerr = s.Session.Exec(ctx, command)
		return cerr
	})
	return output, err
}

func (s *instrumentedSession) GetConfig(ctx context.Context) (string, error) {
	var config string
	err := s.run.driverCall(ctx, s.driver, "get_config", func(ctx context.Context) error {
		var cerr error
		config, cerr = s.Session.GetConfig(ctx)
		return cerr
	})
	return config, err
}

func (s *instrumentedSession) ApplyConfig(ctx context.Context, snippet string, opts drivers.ApplyOptions) (*drivers.ApplyResult, error) {
	var result *drivers.ApplyResult
	err := s.run.driverCall(ctx, s.driver, "apply_config", func(ctx context.Context) error {
		var cerr error
		result, cerr = s.Session.ApplyConfig(ctx, snippet, opts)
		return cerr
	})
	return result, err
}

func (s *instrumentedSession) Rollback(ctx context.Context, snapshot string) error {
	return s.run.driverCall(ctx, s.driver, "rollback", func(ctx context.Context) error {
		return s.Session.Rollback(ctx, snapshot)
	})
}

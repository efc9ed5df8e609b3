package conveyor

import (
	"context"

	"github.com/petrijr/conveyor/internal/config"
	"github.com/petrijr/conveyor/pkg/api"
)

// NewLocalRunner returns a Runtime backed entirely by process memory, for
// development, tests and single-process tools. Nothing survives a restart.
//
// Logging is discarded unless WithLogger is passed.
//
//	rt := conveyor.NewLocalRunner()
//	inst, _ := rt.Execute(ctx, sm, nil, conveyor.ExecuteOptions{})
//	_ = rt.Drain(ctx)
func NewLocalRunner(opts ...Option) *Runtime {
	cfg := config.Default()
	cfg.Backend = config.BackendMemory
	opts = append([]Option{WithLogger(api.NopLogger{})}, opts...)

	rt, err := Open(context.Background(), cfg, opts...)
	if err != nil {
		// Only invalid defaults can fail an in-memory runtime.
		panic("conveyor: local runner: " + err.Error())
	}
	return rt
}

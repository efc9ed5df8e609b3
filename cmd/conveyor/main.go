// Command conveyor runs a demo delivery pipeline against a configured
// backend and operates on runs stored there.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/petrijr/conveyor"
)

// Globals are shared by every command.
type Globals struct {
	Config string    `help:"YAML configuration file." type:"path" env:"CONVEYOR_CONFIG"`
	Out    io.Writer `kong:"-"`
}

type CLI struct {
	Globals

	Run       RunCmd       `cmd:"" help:"Run the demo build/approve/deploy pipeline and print its outcome."`
	Recover   RecoverCmd   `cmd:"" help:"Re-dispatch queued instances and fail those stuck after a crash."`
	Interrupt InterruptCmd `cmd:"" help:"Raise an interrupt on a run of the demo pipeline."`
}

// RunCmd executes one run of the demo pipeline.
type RunCmd struct {
	Approval   time.Duration `help:"Time the approve gate waits." default:"1s"`
	FailDeploy bool          `help:"Make deploy fail to exercise the rollback path."`
	Timeout    time.Duration `help:"Give up waiting for the run after this long." default:"1m"`
}

func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, g)
	if err != nil {
		return err
	}
	defer rt.Close()

	ended := make(chan conveyor.ExecutionStatus, 1)
	if err := rt.RegisterCallback("cli", conveyor.CallbackFunc(
		func(_ context.Context, _ *conveyor.ExecutionContext, status conveyor.ExecutionStatus, _ error) {
			ended <- status
		})); err != nil {
		return err
	}
	sm, err := pipeline(pipelineOptions{approval: c.Approval, failDeploy: c.FailDeploy, out: g.out()})
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	inst, err := rt.Execute(ctx, sm, []conveyor.ContextElement{{Type: "ARTIFACT", Name: "app", Value: "app-1.0.0.tar.gz"}},
		conveyor.ExecuteOptions{AppID: "demo", Callback: "cli"})
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out(), "run %s started\n", inst.ExecutionUUID)

	var status conveyor.ExecutionStatus
	select {
	case status = <-ended:
	case <-time.After(c.Timeout):
		return fmt.Errorf("run %s did not end within %s", inst.ExecutionUUID, c.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	rt.Stop()

	all, err := rt.ListInstances(ctx, inst.ExecutionUUID)
	if err != nil {
		return err
	}
	for _, i := range all {
		fmt.Fprintf(g.out(), "  %-10s %s\n", i.StateName, i.Status)
	}
	fmt.Fprintf(g.out(), "run %s ended %s\n", inst.ExecutionUUID, status)
	return nil
}

// RecoverCmd recovers instances left behind by a crashed worker.
type RecoverCmd struct{}

func (c *RecoverCmd) Run(g *Globals) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, g)
	if err != nil {
		return err
	}
	defer rt.Close()
	if _, err := registerPipeline(rt, g); err != nil {
		return err
	}

	res, err := rt.Recover(ctx)
	if err != nil {
		return err
	}
	if err := rt.Drain(ctx); err != nil {
		return err
	}
	fmt.Fprintf(g.out(), "redispatched %d, failed %d, resumed %d\n", res.Redispatched, res.Failed, res.Resumed)
	return nil
}

// InterruptCmd raises an interrupt and applies it.
type InterruptCmd struct {
	Execution string `required:"" help:"Execution uuid of the run."`
	Type      string `required:"" enum:"IGNORE,RESUME,MARK_SUCCESS,RETRY,ABORT,ABORT_ALL,END_EXECUTION,ROLLBACK,PAUSE_ALL,RESUME_ALL" help:"Interrupt type."`
	Instance  string `help:"Target instance for single-instance interrupts."`
}

func (c *InterruptCmd) Run(g *Globals) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, g)
	if err != nil {
		return err
	}
	defer rt.Close()
	if _, err := registerPipeline(rt, g); err != nil {
		return err
	}

	in, err := rt.RegisterInterrupt(ctx, &conveyor.Interrupt{
		ExecutionUUID:            c.Execution,
		StateExecutionInstanceID: c.Instance,
		Type:                     conveyor.InterruptType(c.Type),
	})
	if err != nil {
		return err
	}
	if err := rt.Drain(ctx); err != nil {
		return err
	}
	fmt.Fprintf(g.out(), "interrupt %s applied\n", in.UUID)
	return nil
}

func (g *Globals) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

func openRuntime(ctx context.Context, g *Globals) (*conveyor.Runtime, error) {
	cfg, err := conveyor.LoadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	return conveyor.Open(ctx, cfg)
}

func registerPipeline(rt *conveyor.Runtime, g *Globals) (*conveyor.StateMachine, error) {
	sm, err := pipeline(pipelineOptions{out: g.out()})
	if err != nil {
		return nil, err
	}
	return sm, rt.RegisterStateMachine(sm)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("conveyor"),
		kong.Description("State machine executor for delivery pipelines."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/petrijr/conveyor"
)

type pipelineOptions struct {
	approval   time.Duration
	failDeploy bool
	out        io.Writer
}

// pipeline builds the demo graph: build, then an approval gate, then
// deploy, with rollback on a failed deploy.
func pipeline(o pipelineOptions) (*conveyor.StateMachine, error) {
	say := func(name, msg string) *conveyor.FuncState {
		return conveyor.Func(name, func(_ context.Context, ec *conveyor.ExecutionContext, _ map[string]any) (map[string]any, error) {
			artifact := "unknown"
			if el, ok := ec.ContextElement("app"); ok {
				artifact = fmt.Sprint(el.Value)
			}
			fmt.Fprintf(o.out, "%s: %s %s\n", name, msg, artifact)
			return map[string]any{"artifact": artifact}, nil
		})
	}
	deploy := conveyor.Func("deploy", func(_ context.Context, ec *conveyor.ExecutionContext, _ map[string]any) (map[string]any, error) {
		if o.failDeploy {
			return nil, errors.New("health check failed")
		}
		fmt.Fprintln(o.out, "deploy: rolled out")
		return nil, nil
	})

	return conveyor.Graph("demo-pipeline").
		State(say("build", "packaged")).
		State(conveyor.Wait("approve", int(math.Ceil(o.approval.Seconds())))).
		State(deploy).
		State(say("rollback", "restored previous release of")).
		OnSuccess("build", "approve").
		OnSuccess("approve", "deploy").
		OnFailure("deploy", "rollback").
		Build()
}

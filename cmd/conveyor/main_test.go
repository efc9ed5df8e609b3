package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// lockedBuffer is written by workers and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const memoryConfig = `
backend: memory
workers: 2
log:
  level: error
`

func TestRunCmd_Succeeds(t *testing.T) {
	out := &lockedBuffer{}
	g := &Globals{Config: writeConfig(t, memoryConfig), Out: out}
	cmd := &RunCmd{Timeout: 10 * time.Second}

	if err := cmd.Run(g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	for _, want := range []string{"build: packaged app-1.0.0.tar.gz", "deploy: rolled out", "ended SUCCESS"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRunCmd_RollsBack(t *testing.T) {
	out := &lockedBuffer{}
	g := &Globals{Config: writeConfig(t, memoryConfig), Out: out}
	cmd := &RunCmd{FailDeploy: true, Timeout: 10 * time.Second}

	if err := cmd.Run(g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "rollback: restored previous release of app-1.0.0.tar.gz") {
		t.Fatalf("rollback did not run:\n%s", got)
	}
	if !strings.Contains(got, "deploy     FAILED") {
		t.Fatalf("deploy not reported as failed:\n%s", got)
	}
}

func TestRecoverCmd_EmptyStore(t *testing.T) {
	out := &lockedBuffer{}
	g := &Globals{Config: writeConfig(t, memoryConfig), Out: out}
	if err := (&RecoverCmd{}).Run(g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "redispatched 0, failed 0") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCLI_Parse(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("conveyor"))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	if _, err := parser.Parse([]string{"run", "--approval", "0s", "--fail-deploy"}); err != nil {
		t.Fatalf("Parse run: %v", err)
	}
	if cli.Run.Approval != 0 || !cli.Run.FailDeploy || cli.Run.Timeout != time.Minute {
		t.Fatalf("unexpected flags %+v", cli.Run)
	}
	if _, err := parser.Parse([]string{"interrupt", "--execution", "run-1", "--type", "PAUSE"}); err == nil {
		t.Fatalf("expected enum validation error")
	}
}

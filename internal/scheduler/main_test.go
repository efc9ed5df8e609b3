package scheduler

import (
	"os"
	"testing"

	"github.com/petrijr/conveyor/internal/testutil"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.TerminateAll()
	os.Exit(code)
}

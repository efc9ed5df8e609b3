// Package testutil starts shared test containers for the backend suites.
// Containers are started once per test binary and terminated by
// TerminateAll, which packages call from TestMain.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

var (
	cleanupMu  sync.Mutex
	containers []testcontainers.Container
)

func registerCleanup(c testcontainers.Container) {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	containers = append(containers, c)
}

// TerminateAll stops every container started by this package.
func TerminateAll() {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, c := range containers {
		_ = c.Terminate(ctx) // best-effort cleanup
	}
	containers = nil
}

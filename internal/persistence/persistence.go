package persistence

// Store bundles the two store interfaces so the executor
// can depend on a single abstraction.
type Store interface {
	InstanceStore
	InterruptStore
}

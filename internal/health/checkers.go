package health

import (
	"context"

	"github.com/tandemly/voicerelay/internal/persist"
)

// StoreChecker probes the persistence store. Readiness fails while the
// database is unreachable so the load balancer stops routing new sessions.
func StoreChecker(store persist.Store) Checker {
	return Checker{
		Name: "persistence",
		Check: func(ctx context.Context) error {
			return store.Ping(ctx)
		},
	}
}

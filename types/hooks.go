package types

import "context"

// Hooks defines callbacks for Controller events.
//
// OnChainsChanged runs on the Controller's publisher goroutine, never on the
// event loop. OnError runs where the error was observed and must not block.
// The context passed to them is cancelled on Stop. Returned errors are logged.
//
// Example:
//
//	hooks := &moly.Hooks{
//	    OnChainsChanged: func(ctx context.Context, chains []moly.PolicyChain) error {
//	        for _, c := range chains {
//	            log.Printf("steer %s", c)
//	        }
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnChainsChanged is called after a new steered chain set was published.
	OnChainsChanged func(ctx context.Context, chains []PolicyChain) error

	// OnError is called when a recoverable error occurs.
	OnError func(ctx context.Context, err error) error
}

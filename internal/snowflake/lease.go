package snowflake

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

// ErrLeaseLost is returned by LeaseStore.Renew when another owner holds the key.
var ErrLeaseLost = errors.New("node lease held by another owner")

// LeaseStore is the coordination store node leases live in.
type LeaseStore interface {
	// Acquire sets key to owner with ttl only if key does not exist.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends the ttl of a key held by owner, re-creating it if it
	// expired in the meantime.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
}

// LeaseOptions configures AssignNode.
type LeaseOptions struct {
	Prefix        string        // Key prefix, the node id is appended as ":<n>"
	TTL           time.Duration // Lifetime of the key without renewal
	RenewInterval time.Duration // Must be shorter than TTL
	Logger        zerolog.Logger
}

// Lease is a held claim on a node id. It is renewed in the background until Stop.
type Lease struct {
	node   int64
	key    string
	owner  string
	store  LeaseStore
	opts   LeaseOptions
	cancel context.CancelFunc
	done   chan struct{}
}

// AssignNode claims a free node id. It keeps trying random candidates until
// one is free, so it only gives up when ctx ends or the store returns an error.
func AssignNode(ctx context.Context, store LeaseStore, opts LeaseOptions) (*Lease, error) {
	if opts.TTL <= 0 || opts.RenewInterval <= 0 || opts.RenewInterval >= opts.TTL {
		return nil, fmt.Errorf("renew interval %s must be positive and shorter than ttl %s",
			opts.RenewInterval, opts.TTL)
	}

	owner := uuid.NewString()
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("assign node after %d attempts: %w", attempts, err)
		}

		candidate := rand.Int64N(MaxNode + 1)
		key := fmt.Sprintf("%s:%d", opts.Prefix, candidate)
		attempts++

		ok, err := store.Acquire(ctx, key, owner, opts.TTL)
		if err != nil {
			return nil, fmt.Errorf("acquire node lease %s: %w", key, err)
		}
		if !ok {
			continue
		}

		renewCtx, cancel := context.WithCancel(context.Background())
		l := &Lease{
			node:   candidate,
			key:    key,
			owner:  owner,
			store:  store,
			opts:   opts,
			cancel: cancel,
			done:   make(chan struct{}),
		}

		opts.Logger.Info().
			Int64("node_id", candidate).
			Int("attempts", attempts).
			Dur("ttl", opts.TTL).
			Msg("Node lease acquired")

		go l.renewLoop(renewCtx)
		return l, nil
	}
}

// Node returns the leased node id.
func (l *Lease) Node() int64 {
	return l.node
}

// Key returns the store key backing the lease.
func (l *Lease) Key() string {
	return l.key
}

// Stop halts renewal. The key is left to expire on its own.
func (l *Lease) Stop(ctx context.Context) error {
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lease) renewLoop(ctx context.Context) {
	defer close(l.done)
	defer monitoring.RecoverPanic(l.opts.Logger, "leaseRenewal", map[string]any{"node_id": l.node})

	ticker := time.NewTicker(l.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, l.opts.RenewInterval)
			err := l.store.Renew(renewCtx, l.key, l.owner, l.opts.TTL)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Not fatal: IDs stay unique as long as this process keeps its node.
				monitoring.RecordLeaseRenewFailure()
				l.opts.Logger.Warn().
					Err(err).
					Int64("node_id", l.node).
					Str("key", l.key).
					Msg("Node lease renewal failed")
			}
		}
	}
}

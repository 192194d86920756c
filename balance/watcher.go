// Package balance keeps the native-token balances of the subscriber's EOA and
// smart account fresh for display.
package balance

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpagents/aa-subscriber/evm"
)

// DefaultInterval is the refresh period used when none is configured.
const DefaultInterval = 10 * time.Second

// Snapshot is the last observed balance state. Balances are decimal ether
// strings; empty means not loaded yet.
type Snapshot struct {
	EOAAddress string    `json:"eoaAddress"`
	EOABalance string    `json:"eoaBalance"`
	AAAddress  string    `json:"aaAddress"`
	AABalance  string    `json:"aaBalance"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Watcher polls balances on a fixed interval.
type Watcher struct {
	mu       sync.RWMutex
	backend  evm.Backend
	interval time.Duration
	logger   *zap.Logger
	snap     Snapshot
	onUpdate []func(Snapshot)
	changed  chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the refresh period.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher watches eoa and, once SetAccount is called, a smart account.
func NewWatcher(backend evm.Backend, eoa string, opts ...Option) *Watcher {
	w := &Watcher{
		backend:  backend,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
		changed:  make(chan struct{}, 1),
	}
	if eoa != "" {
		w.snap.EOAAddress = common.HexToAddress(eoa).Hex()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetAccount switches the watched smart account and asks a running watcher
// to refresh right away.
func (w *Watcher) SetAccount(address string) {
	w.mu.Lock()
	if address == "" {
		w.snap.AAAddress = ""
	} else {
		w.snap.AAAddress = common.HexToAddress(address).Hex()
	}
	w.snap.AABalance = ""
	w.mu.Unlock()

	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// OnUpdate registers fn to run after every successful refresh.
func (w *Watcher) OnUpdate(fn func(Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUpdate = append(w.onUpdate, fn)
}

// Snapshot returns the last observed state.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap
}

// Refresh reads both balances concurrently. Nothing is stored unless every
// read succeeds.
func (w *Watcher) Refresh(ctx context.Context) error {
	w.mu.RLock()
	eoa, aa := w.snap.EOAAddress, w.snap.AAAddress
	w.mu.RUnlock()

	var eoaWei, aaWei *big.Int
	g, gctx := errgroup.WithContext(ctx)
	if eoa != "" {
		g.Go(func() error {
			wei, err := w.backend.BalanceAt(gctx, common.HexToAddress(eoa), nil)
			if err != nil {
				return fmt.Errorf("eoa balance: %w", err)
			}
			eoaWei = wei
			return nil
		})
	}
	if aa != "" {
		g.Go(func() error {
			wei, err := w.backend.BalanceAt(gctx, common.HexToAddress(aa), nil)
			if err != nil {
				return fmt.Errorf("smart account balance: %w", err)
			}
			aaWei = wei
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	// the account may have changed while reading
	if eoaWei != nil && w.snap.EOAAddress == eoa {
		w.snap.EOABalance = evm.FormatEther(eoaWei)
	}
	if aaWei != nil && w.snap.AAAddress == aa {
		w.snap.AABalance = evm.FormatEther(aaWei)
	}
	w.snap.UpdatedAt = time.Now()
	snap := w.snap
	hooks := append([]func(Snapshot){}, w.onUpdate...)
	w.mu.Unlock()

	w.logger.Debug("Balances refreshed",
		zap.String("eoa", snap.EOAAddress),
		zap.String("eoaBalance", snap.EOABalance),
		zap.String("aa", snap.AAAddress),
		zap.String("aaBalance", snap.AABalance))
	for _, fn := range hooks {
		fn(snap)
	}
	return nil
}

// Run refreshes immediately, then on every tick or account change, until
// ctx is done. Failed refreshes are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.refreshAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.refreshAndLog(ctx)
		case <-w.changed:
			w.refreshAndLog(ctx)
		}
	}
}

func (w *Watcher) refreshAndLog(ctx context.Context) {
	if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("Error fetching balances", zap.Error(err))
	}
}

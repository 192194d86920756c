package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcpagents/aa-subscriber/balance"
)

// failedResponse is what a view shows after a failed run.
var failedResponse = json.RawMessage(`{"error":"Request failed"}`)

// View is the state a front end renders.
type View struct {
	Balances  balance.Snapshot `json:"balances"`
	Response  json.RawMessage  `json:"response,omitempty"`
	Loading   bool             `json:"loading"`
	LastError string           `json:"lastError,omitempty"`
}

// BalanceSource supplies balance snapshots; *balance.Watcher implements it.
type BalanceSource interface {
	Snapshot() balance.Snapshot
}

// State wraps a Subscriber with the loading flag and last response of a
// view. Only one run may be in flight.
type State struct {
	mu       sync.RWMutex
	sub      *Subscriber
	balances BalanceSource
	loading  bool
	response json.RawMessage
	lastErr  error
	result   *Result
}

// NewState returns the view state of sub. balances may be nil.
func NewState(sub *Subscriber, balances BalanceSource) *State {
	return &State{sub: sub, balances: balances}
}

// Run performs one subscription request. It returns ErrBusy while another
// run is in flight. On failure the response becomes {"error":"Request failed"}.
// A panic in the run is recovered and reported as an error; the loading flag
// is cleared on every path.
func (st *State) Run(ctx context.Context) (result *Result, err error) {
	st.mu.Lock()
	if st.loading {
		st.mu.Unlock()
		return nil, ErrBusy
	}
	st.loading = true
	st.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRunPanicked, r)
		}

		st.mu.Lock()
		defer st.mu.Unlock()
		st.loading = false
		st.result = result
		st.lastErr = err
		if err != nil {
			st.response = failedResponse
			return
		}
		st.response = result.Response
	}()

	return st.sub.Subscribe(ctx)
}

// Loading reports whether a run is in flight.
func (st *State) Loading() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.loading
}

// LastResult returns the result of the last finished run, possibly partial.
func (st *State) LastResult() *Result {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.result
}

// View returns a consistent copy of the view state.
func (st *State) View() View {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v := View{Response: st.response, Loading: st.loading}
	if st.lastErr != nil {
		v.LastError = st.lastErr.Error()
	}
	if st.balances != nil {
		v.Balances = st.balances.Snapshot()
	}
	return v
}

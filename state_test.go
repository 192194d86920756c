package subscriber

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpagents/aa-subscriber/balance"
)

type staticBalances balance.Snapshot

func (b staticBalances) Snapshot() balance.Snapshot { return balance.Snapshot(b) }

func TestState_Run(t *testing.T) {
	f := newFixture(t)
	st := NewState(f.subscriber(t), staticBalances{EOAAddress: f.wallet.Address(), EOABalance: "1.5"})

	view := st.View()
	assert.False(t, view.Loading)
	assert.Nil(t, view.Response)
	assert.Equal(t, "1.5", view.Balances.EOABalance)

	result, err := st.Run(context.Background())
	require.NoError(t, err)
	assert.Same(t, result, st.LastResult())

	view = st.View()
	assert.False(t, view.Loading)
	assert.JSONEq(t, `{"status":"accepted"}`, string(view.Response))
	assert.Empty(t, view.LastError)
}

func TestState_RunFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.err = errors.New("agent offline")
	st := NewState(f.subscriber(t), nil)

	_, err := st.Run(context.Background())
	require.Error(t, err)

	view := st.View()
	assert.False(t, view.Loading, "loading is cleared on failure")
	assert.JSONEq(t, `{"error":"Request failed"}`, string(view.Response))
	assert.Contains(t, view.LastError, "agent offline")
}

func TestState_RunRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.remote.onSend = func(m Message) {
		if m.Type == TypePresentationRequest {
			panic("transport blew up")
		}
	}
	st := NewState(f.subscriber(t), nil)

	var err error
	require.NotPanics(t, func() {
		_, err = st.Run(context.Background())
	})
	assert.ErrorIs(t, err, ErrRunPanicked)
	assert.ErrorContains(t, err, "transport blew up")

	view := st.View()
	assert.False(t, view.Loading, "loading is cleared after a panic")
	assert.JSONEq(t, `{"error":"Request failed"}`, string(view.Response))
	assert.Contains(t, view.LastError, "transport blew up")

	f.remote.onSend = nil
	_, err = st.Run(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"accepted"}`, string(st.View().Response))
}

func TestState_RejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.remote.onSend = func(m Message) {
		if m.Type == TypePresentationRequest {
			close(started)
			<-release
		}
	}
	st := NewState(f.subscriber(t), nil)

	done := make(chan error, 1)
	go func() {
		_, err := st.Run(context.Background())
		done <- err
	}()

	<-started
	assert.True(t, st.Loading())
	assert.True(t, st.View().Loading)
	_, err := st.Run(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, st.Loading())
}

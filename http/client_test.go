package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	subscriber "github.com/mcpagents/aa-subscriber"
)

type staticAuth map[string]string

func (a staticAuth) GetAuthHeaders(ctx context.Context) (map[string]string, error) {
	return a, nil
}

func TestAgentClient_Send(t *testing.T) {
	var received subscriber.Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"address":"0x9999999999999999999999999999999999999999","challenge":"abc"}`))
	}))
	defer server.Close()

	client := NewAgentClient(&AgentConfig{URL: server.URL, AuthProvider: staticAuth{"Authorization": "Bearer token"}})
	raw, err := client.Send(context.Background(), subscriber.Message{Type: subscriber.TypePresentationRequest})
	require.NoError(t, err)

	challenge, err := subscriber.ParseChallenge(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", challenge.Challenge)
	assert.Equal(t, subscriber.TypePresentationRequest, received.Type)
	assert.NotNil(t, received.Payload, "payload is always present")
}

func TestAgentClient_Send_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantErr: "(500): boom"},
		{name: "not json", status: http.StatusOK, body: "<html>", wantErr: "not JSON"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"bad"}`, wantErr: "(400)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewAgentClient(&AgentConfig{URL: server.URL}).Send(context.Background(), subscriber.Message{Type: subscriber.TypeAskForService})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAgentClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewAgentClient(&AgentConfig{URL: server.URL, RetryBaseDelay: time.Millisecond})
	raw, err := client.Send(context.Background(), subscriber.Message{Type: subscriber.TypeSendAADIDJWT})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, int32(3), calls.Load())
}

func TestAgentClient_Defaults(t *testing.T) {
	client := NewAgentClient(nil)
	assert.Equal(t, DefaultAgentURL, client.URL())
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	subscriber "github.com/mcpagents/aa-subscriber"
	"github.com/mcpagents/aa-subscriber/balance"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	result *subscriber.Result
	err    error
	view   subscriber.View
	last   *subscriber.Result
	ctxErr error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context) (*subscriber.Result, error) {
	f.calls++
	f.ctxErr = ctx.Err()
	return f.result, f.err
}

func (f *fakeRunner) View() subscriber.View {
	return f.view
}

func (f *fakeRunner) LastResult() *subscriber.Result {
	return f.last
}

type fakeJWT struct {
	kind string
}

func (f *fakeJWT) SendJWTRequest(ctx context.Context, kind string) (json.RawMessage, error) {
	f.kind = kind
	switch kind {
	case "aa":
		return json.RawMessage(`{"verified":true}`), nil
	case "web":
		return nil, errors.New("agent unreachable")
	default:
		return nil, subscriber.ErrUnknownJWTKind
	}
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	rec := do(t, New(&fakeRunner{}, &fakeJWT{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Status(t *testing.T) {
	runner := &fakeRunner{view: subscriber.View{
		Balances: balance.Snapshot{EOAAddress: "0xabc", EOABalance: "1.0"},
		Response: json.RawMessage(`{"error":"Request failed"}`),
		Loading:  true,
	}}
	rec := do(t, New(runner, &fakeJWT{}), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, true, view["loading"])
	assert.Equal(t, map[string]interface{}{"error": "Request failed"}, view["response"])
	balances := view["balances"].(map[string]interface{})
	assert.Equal(t, "1.0", balances["eoaBalance"])
}

func TestServer_Subscribe(t *testing.T) {
	runner := &fakeRunner{result: &subscriber.Result{Response: json.RawMessage(`{"status":"scheduled"}`)}}
	rec := do(t, New(runner, &fakeJWT{}), http.MethodPost, "/subscribe")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"response":{"status":"scheduled"}`)
	assert.Equal(t, 1, runner.calls)
}

func TestServer_Subscribe_Errors(t *testing.T) {
	runner := &fakeRunner{err: subscriber.ErrBusy}
	rec := do(t, New(runner, &fakeJWT{}), http.MethodPost, "/subscribe")
	assert.Equal(t, http.StatusConflict, rec.Code)

	runner = &fakeRunner{
		result: &subscriber.Result{},
		err:    subscriber.NewSubscriptionError(subscriber.StepChallenge, subscriber.ErrCodeChallengeFailed, "no challenge", errors.New("timeout")),
	}
	rec = do(t, New(runner, &fakeJWT{}), http.MethodPost, "/subscribe")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(subscriber.StepChallenge), body["step"])
	assert.Equal(t, subscriber.ErrCodeChallengeFailed, body["code"])
	assert.Contains(t, body["error"], "timeout")
}

func TestServer_Subscribe_Detached(t *testing.T) {
	runner := &fakeRunner{result: &subscriber.Result{}}
	s := New(runner, &fakeJWT{}, WithDetachedRuns())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/subscribe", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, runner.ctxErr)
}

func TestServer_LastResult(t *testing.T) {
	runner := &fakeRunner{}
	rec := do(t, New(runner, &fakeJWT{}), http.MethodGet, "/result")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	runner.last = &subscriber.Result{SubscriberDID: "did:aa:eip155:11155111:0xabc"}
	rec = do(t, New(runner, &fakeJWT{}), http.MethodGet, "/result")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "did:aa:eip155:11155111:0xabc")
}

func TestServer_JWT(t *testing.T) {
	jwt := &fakeJWT{}
	s := New(&fakeRunner{}, jwt)

	rec := do(t, s, http.MethodPost, "/jwt/aa")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"verified":true}`, rec.Body.String())
	assert.Equal(t, "aa", jwt.kind)

	rec = do(t, s, http.MethodPost, "/jwt/web")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, s, http.MethodPost, "/jwt/nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

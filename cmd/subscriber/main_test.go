package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), "help", nil, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "usage: subscriber")

	err := run(context.Background(), "unsubscribe", nil, &stdout, &stderr)
	assert.ErrorContains(t, err, `unknown command "unsubscribe"`)
	assert.Contains(t, stderr.String(), "jwt kinds")
}

func TestRun_JWTNeedsKind(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), "jwt", nil, &stdout, &stderr)
	assert.ErrorContains(t, err, "jwt needs a kind")
}

func TestRun_ConfigErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EOA_PRIVATE_KEY", "")
	t.Setenv("SEPOLIA_RPC_URL", "")
	t.Setenv("BUNDLER_URL", "")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), "status", nil, &stdout, &stderr)
	assert.ErrorContains(t, err, "EOA_PRIVATE_KEY is required")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]string{"eoaBalance": "1.0"}))
	assert.Equal(t, "{\n  \"eoaBalance\": \"1.0\"\n}\n", buf.String())
}

package bundler_test

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpagents/aa-subscriber/account"
	"github.com/mcpagents/aa-subscriber/bundler"
	"github.com/mcpagents/aa-subscriber/bundler/bundlertest"
	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/evm/evmtest"
	evmsigner "github.com/mcpagents/aa-subscriber/signers/evm"
	"github.com/mcpagents/aa-subscriber/userop"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fixture struct {
	env     evm.Environment
	owner   *evmsigner.ClientSigner
	chain   *evmtest.Backend
	fake    *bundlertest.Bundler
	client  *bundler.Client
	account *account.HybridAccount
}

func newFixture(t *testing.T) *fixture {
	env, ok := evm.LookupEnvironment(evm.SepoliaNetwork)
	require.True(t, ok)
	env.ProxyCreationCodeHex = "0x6080604052"

	owner, err := evmsigner.NewClientSignerFromPrivateKey(testKey)
	require.NoError(t, err)

	chain := evmtest.NewBackend(env.ChainID)
	acct, err := account.NewHybrid(chain, owner, env)
	require.NoError(t, err)

	fake := bundlertest.New(env.ChainID)
	fake.OnSend = func(op userop.UserOperation) {
		if op.Factory != "" {
			chain.DeployAccount(op.Sender, owner.Address())
		}
	}
	client := bundler.NewClient(fake.Client(), bundler.WithPollInterval(time.Millisecond, 5*time.Millisecond))
	t.Cleanup(client.Close)

	return &fixture{env: env, owner: owner, chain: chain, fake: fake, client: client, account: acct}
}

func TestClient_SupportedEntryPoints(t *testing.T) {
	f := newFixture(t)
	entryPoints, err := f.client.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{evm.EntryPointV07Address}, entryPoints)
	assert.Equal(t, evm.EntryPointV07Address, f.client.EntryPoint())
}

func TestClient_GasPrice(t *testing.T) {
	f := newFixture(t)
	tiers, err := f.client.GetUserOperationGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3e9), tiers.Fast.MaxFeePerGas.ToInt().Int64())
}

func TestClient_ReceiptPendingThenIncluded(t *testing.T) {
	f := newFixture(t)
	f.fake.PendingPolls = 2

	receipt, err := f.client.GetUserOperationReceipt(context.Background(), "0x01")
	require.NoError(t, err)
	assert.Nil(t, receipt, "unknown operations have no receipt")

	sender := bundler.NewSender(f.client, f.chain, f.env.ChainID)
	result, err := sender.Send(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}}, bundler.SendOptions{})
	require.NoError(t, err)
	assert.True(t, result.Receipt.Success)
	assert.Equal(t, result.UserOpHash, result.Receipt.UserOpHash)
}

func TestClient_WaitTimesOut(t *testing.T) {
	f := newFixture(t)
	f.fake.PendingPolls = 1 << 30

	sender := bundler.NewSender(f.client, f.chain, f.env.ChainID)
	_, err := sender.Send(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}},
		bundler.SendOptions{ReceiptTimeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, bundler.ErrReceiptTimeout)
}

func TestSender_EnsureDeployed(t *testing.T) {
	f := newFixture(t)
	sender := bundler.NewSender(f.client, f.chain, f.env.ChainID)

	result, err := sender.EnsureDeployed(context.Background(), f.account, bundler.SendOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)

	ops := f.fake.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, common.HexToAddress(f.env.SimpleFactory).Hex(), ops[0].Factory)
	assert.NotEmpty(t, ops[0].FactoryData)
	assert.Equal(t, int64(3e9), ops[0].MaxFeePerGas.Int64())
	assert.Equal(t, int64(300000), ops[0].VerificationGasLimit.Int64())

	// signature is the owner's over the DeleGator typed data
	assert.Len(t, ops[0].Signature, 65)
	assert.NotEqual(t, f.account.StubSignature(), ops[0].Signature)

	// second call finds code and does nothing
	result, err = sender.EnsureDeployed(context.Background(), f.account, bundler.SendOptions{})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Len(t, f.fake.Operations(), 1)
}

func TestSender_NonceFromEntryPoint(t *testing.T) {
	f := newFixture(t)
	f.chain.DeployAccount(f.account.Address(), f.owner.Address())
	f.chain.SetNonce(f.account.Address(), big.NewInt(7))

	sender := bundler.NewSender(f.client, f.chain, f.env.ChainID)
	op, err := sender.Prepare(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}}, bundler.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), op.Nonce.Int64())
	assert.Empty(t, op.Factory, "deployed accounts carry no init code")

	explicit, err := userop.EncodeNonce(big.NewInt(5), 0)
	require.NoError(t, err)
	op, err = sender.Prepare(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}}, bundler.SendOptions{Nonce: explicit})
	require.NoError(t, err)
	assert.Equal(t, explicit, op.Nonce)
}

func TestSender_Paymaster(t *testing.T) {
	f := newFixture(t)
	paymaster := bundler.NewPaymaster(f.fake.Client(), "", map[string]interface{}{"sponsorshipPolicyId": "sp_test"})
	sender := bundler.NewSender(f.client, f.chain, f.env.ChainID, bundler.WithPaymaster(paymaster))

	op, err := sender.Prepare(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}}, bundler.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(f.fake.Paymaster).Hex(), op.Paymaster)
	assert.Equal(t, []byte{0x01, 0x02}, op.PaymasterData, "final data replaces the stub")
	assert.Equal(t, int64(60000), op.PaymasterVerificationGasLimit.Int64())

	requests := f.fake.SponsorRequests()
	require.Len(t, requests, 2)
	assert.Equal(t, "pm_getPaymasterStubData", requests[0].Method)
	assert.Equal(t, "pm_getPaymasterData", requests[1].Method)
	for _, r := range requests {
		assert.Equal(t, evm.EntryPointV07Address, r.EntryPoint)
		assert.Equal(t, "0xaa36a7", r.ChainID)
		assert.Equal(t, "sp_test", r.Context["sponsorshipPolicyId"])
	}
}

func TestDialPaymaster_ForwardsEntryPoint(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.fake.Server())
	t.Cleanup(srv.Close)

	custom := "0x1111111111111111111111111111111111111111"
	paymaster, err := bundler.DialPaymaster(context.Background(), srv.URL, custom, nil)
	require.NoError(t, err)

	op, err := bundler.NewSender(f.client, f.chain, f.env.ChainID).
		Prepare(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}}, bundler.SendOptions{})
	require.NoError(t, err)
	_, err = paymaster.GetPaymasterStubData(context.Background(), op, f.env.ChainID)
	require.NoError(t, err)
	_, err = paymaster.GetPaymasterData(context.Background(), op, f.env.ChainID)
	require.NoError(t, err)

	requests := f.fake.SponsorRequests()
	require.Len(t, requests, 2)
	for _, r := range requests {
		assert.Equal(t, custom, r.EntryPoint)
	}
}

func TestSender_RevertedOperation(t *testing.T) {
	f := newFixture(t)
	f.fake.Revert = true

	sender := bundler.NewSender(f.client, f.chain, f.env.ChainID)
	result, err := sender.Send(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}}, bundler.SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
	require.NotNil(t, result)
	assert.False(t, result.Receipt.Success)
}

func TestSender_SubmitError(t *testing.T) {
	f := newFixture(t)
	f.fake.SendErr = errors.New("AA21 didn't pay prefund")

	sender := bundler.NewSender(f.client, f.chain, f.env.ChainID)
	_, err := sender.Send(context.Background(), f.account, []userop.Call{{To: evm.ZeroAddress}}, bundler.SendOptions{})
	assert.ErrorContains(t, err, "AA21")
}

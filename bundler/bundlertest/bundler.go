// Package bundlertest serves a fake ERC-4337 bundler and ERC-7677 paymaster
// over an in-process go-ethereum RPC server.
package bundlertest

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/userop"
)

// Bundler records submitted operations and answers receipts once an
// operation has been pending for PendingPolls polls.
type Bundler struct {
	mu       sync.Mutex
	chainID  *big.Int
	ops      []userop.UserOperation
	polls    map[string]int
	receipts map[string]*userop.Receipt
	sponsors []SponsorRequest

	// PendingPolls is how many receipt polls return null before inclusion.
	PendingPolls int
	// Revert marks every included operation as failed.
	Revert bool
	// OnSend runs for every accepted operation, e.g. to deploy the sender.
	OnSend func(op userop.UserOperation)
	// SendErr rejects submissions.
	SendErr error
	// Paymaster is the address returned by pm_ methods.
	Paymaster string
}

// New returns a fake bundler for chainID.
func New(chainID *big.Int) *Bundler {
	return &Bundler{
		chainID:   chainID,
		polls:     map[string]int{},
		receipts:  map[string]*userop.Receipt{},
		Paymaster: "0x0000000000000000000000000000000000000777",
	}
}

// SponsorRequest is one pm_ call as the paymaster received it.
type SponsorRequest struct {
	Method     string
	EntryPoint string
	ChainID    string
	Context    map[string]interface{}
}

// Server returns an RPC server for b. It also serves HTTP.
func (b *Bundler) Server() *rpc.Server {
	server := rpc.NewServer()
	_ = server.RegisterName("eth", &ethAPI{b})
	_ = server.RegisterName("pimlico", &pimlicoAPI{})
	_ = server.RegisterName("pm", &pmAPI{b})
	return server
}

// Client returns an in-process RPC client served by b.
func (b *Bundler) Client() *rpc.Client {
	return rpc.DialInProc(b.Server())
}

// SponsorRequests returns the paymaster calls in arrival order.
func (b *Bundler) SponsorRequests() []SponsorRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SponsorRequest{}, b.sponsors...)
}

// Operations returns the accepted operations in submission order.
func (b *Bundler) Operations() []userop.UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]userop.UserOperation{}, b.ops...)
}

type ethAPI struct{ b *Bundler }

func (api *ethAPI) SupportedEntryPoints() []string {
	return []string{evm.EntryPointV07Address}
}

func (api *ethAPI) SendUserOperation(op userop.UserOperation, entryPoint string) (string, error) {
	b := api.b
	if b.SendErr != nil {
		return "", b.SendErr
	}
	if common.HexToAddress(entryPoint) != common.HexToAddress(evm.EntryPointV07Address) {
		return "", errors.New("unsupported entry point")
	}
	if len(op.Signature) == 0 {
		return "", errors.New("missing signature")
	}
	hash, err := op.Hash(entryPoint, b.chainID)
	if err != nil {
		return "", err
	}
	hashHex := hexutil.Encode(hash)

	b.mu.Lock()
	b.ops = append(b.ops, op)
	b.receipts[hashHex] = &userop.Receipt{
		UserOpHash:    hashHex,
		EntryPoint:    entryPoint,
		Sender:        op.Sender,
		Nonce:         (*hexutil.Big)(op.Nonce),
		Paymaster:     op.Paymaster,
		ActualGasCost: (*hexutil.Big)(big.NewInt(21000)),
		ActualGasUsed: (*hexutil.Big)(big.NewInt(21000)),
		Success:       !b.Revert,
		Receipt: userop.TransactionReceipt{
			TransactionHash: hexutil.Encode(crypto.Keccak256(hash)),
		},
	}
	if b.Revert {
		b.receipts[hashHex].Reason = "execution reverted"
	}
	onSend := b.OnSend
	b.mu.Unlock()

	if onSend != nil {
		onSend(op)
	}
	return hashHex, nil
}

func (api *ethAPI) EstimateUserOperationGas(op userop.UserOperation, entryPoint string) (*userop.GasEstimate, error) {
	if len(op.Signature) == 0 {
		return nil, errors.New("estimation requires a stub signature")
	}
	return &userop.GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(300000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100000)),
	}, nil
}

func (api *ethAPI) GetUserOperationReceipt(hash string) (*userop.Receipt, error) {
	b := api.b
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, nil
	}
	b.polls[hash]++
	if b.polls[hash] <= b.PendingPolls {
		return nil, nil
	}
	return receipt, nil
}

type pimlicoAPI struct{}

func (api *pimlicoAPI) GetUserOperationGasPrice() userop.GasPriceTiers {
	tier := func(fee, tip int64) userop.GasPrice {
		return userop.GasPrice{
			MaxFeePerGas:         (*hexutil.Big)(big.NewInt(fee)),
			MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(tip)),
		}
	}
	return userop.GasPriceTiers{
		Slow:     tier(1e9, 1e8),
		Standard: tier(2e9, 2e8),
		Fast:     tier(3e9, 3e8),
	}
}

type pmAPI struct{ b *Bundler }

func (api *pmAPI) data(final bool) *userop.PaymasterData {
	payload := []byte{0x00}
	if final {
		payload = []byte{0x01, 0x02}
	}
	return &userop.PaymasterData{
		Paymaster:                     common.HexToAddress(api.b.Paymaster).Hex(),
		PaymasterData:                 payload,
		PaymasterVerificationGasLimit: (*hexutil.Big)(big.NewInt(60000)),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(big.NewInt(10000)),
		IsFinal:                       final,
	}
}

func (api *pmAPI) record(method, entryPoint, chainID string, context map[string]interface{}) {
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	api.b.sponsors = append(api.b.sponsors, SponsorRequest{Method: method, EntryPoint: entryPoint, ChainID: chainID, Context: context})
}

func (api *pmAPI) GetPaymasterStubData(op userop.UserOperation, entryPoint, chainID string, context map[string]interface{}) *userop.PaymasterData {
	api.record("pm_getPaymasterStubData", entryPoint, chainID, context)
	return api.data(false)
}

func (api *pmAPI) GetPaymasterData(op userop.UserOperation, entryPoint, chainID string, context map[string]interface{}) *userop.PaymasterData {
	api.record("pm_getPaymasterData", entryPoint, chainID, context)
	return api.data(true)
}

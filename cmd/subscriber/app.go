package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	subscriber "github.com/mcpagents/aa-subscriber"
	"github.com/mcpagents/aa-subscriber/agent"
	"github.com/mcpagents/aa-subscriber/balance"
	"github.com/mcpagents/aa-subscriber/bundler"
	"github.com/mcpagents/aa-subscriber/did"
	"github.com/mcpagents/aa-subscriber/evm"
	aahttp "github.com/mcpagents/aa-subscriber/http"
	"github.com/mcpagents/aa-subscriber/internal/config"
	"github.com/mcpagents/aa-subscriber/mcp"
	evmsigner "github.com/mcpagents/aa-subscriber/signers/evm"
)

// app holds the wired collaborators of one process.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	subscriber *subscriber.Subscriber
	state      *subscriber.State
	balances   *balance.Watcher
	closers    []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp dials the chain, the bundler, the paymaster and the agent, and
// builds the subscriber on top of them.
// Step progress is written to progress.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, progress io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	env, err := cfg.Environment()
	if err != nil {
		return nil, err
	}

	wallet, err := evmsigner.NewClientSignerFromPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid EOA_PRIVATE_KEY: %w", err)
	}

	backend, err := evm.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, backend.Close)

	bundlerClient, err := bundler.Dial(ctx, cfg.BundlerURL,
		bundler.WithEntryPoint(env.EntryPoint),
		bundler.WithLogger(logger.Named("bundler")))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, bundlerClient.Close)

	paymaster, err := bundler.DialPaymaster(ctx, cfg.PaymasterURL, env.EntryPoint, nil)
	if err != nil {
		return nil, err
	}

	sender := bundler.NewSender(bundlerClient, backend, env.ChainID,
		bundler.WithPaymaster(paymaster),
		bundler.WithSenderLogger(logger.Named("sender")))

	identity := agent.New(did.NewDefaultRegistry(backend, env), backend,
		agent.WithLogger(logger.Named("agent")))

	transport, err := dialTransport(ctx, cfg, logger.Named("transport"))
	if err != nil {
		return nil, err
	}
	if closer, isCloser := transport.(io.Closer); isCloser {
		a.closers = append(a.closers, func() { _ = closer.Close() })
	}

	a.balances = balance.NewWatcher(backend, wallet.Address(),
		balance.WithInterval(cfg.BalanceRefresh),
		balance.WithLogger(logger.Named("balance")))

	opts := []subscriber.Option{
		subscriber.WithLogger(logger.Named("subscriber")),
		subscriber.WithPaymentTerms(cfg.Terms),
		subscriber.WithTransferValue(cfg.TransferValue),
		subscriber.WithServiceRequest(cfg.Service),
		subscriber.WithReceiptTimeout(cfg.ReceiptTimeout),
		subscriber.WithBalanceRefresher(a.balances),
		subscriber.WithAfterStepHook(func(sc subscriber.StepResultContext) error {
			_, err := fmt.Fprintf(progress, "  done %-20s %s\n", sc.Step, sc.Duration.Round(time.Millisecond))
			return err
		}),
		subscriber.WithOnStepFailureHook(func(sc subscriber.StepFailureContext) {
			fmt.Fprintf(progress, "  FAIL %-20s %v\n", sc.Step, sc.Error)
		}),
	}
	if cfg.PresentationDomain != "" {
		opts = append(opts, subscriber.WithPresentationDomain(cfg.PresentationDomain))
	}
	if cfg.SubscriberAddress != "" {
		opts = append(opts, subscriber.WithSubscriberAddress(cfg.SubscriberAddress))
	}

	a.subscriber, err = subscriber.New(subscriber.Dependencies{
		Transport: transport,
		Wallet:    wallet,
		Backend:   backend,
		Env:       env,
		Sender:    sender,
		Agent:     identity,
	}, opts...)
	if err != nil {
		return nil, err
	}
	a.state = subscriber.NewState(a.subscriber, a.balances)

	logger.Info("Subscriber ready",
		zap.String("eoa", wallet.Address()),
		zap.String("chainId", env.ChainID.String()),
		zap.String("agent", cfg.AgentEndpoint),
		zap.String("transport", cfg.AgentTransport))
	ok = true
	return a, nil
}

func dialTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (subscriber.Transport, error) {
	switch cfg.AgentTransport {
	case config.TransportHTTP:
		return aahttp.NewAgentClient(&aahttp.AgentConfig{
			URL:    cfg.AgentEndpoint,
			Logger: logger,
		}), nil
	default:
		return mcp.Dial(ctx, cfg.AgentEndpoint, cfg.AgentTransport, mcp.WithLogger(logger))
	}
}

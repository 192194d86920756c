package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	subscriber "github.com/mcpagents/aa-subscriber"
	"github.com/mcpagents/aa-subscriber/internal/config"
	"github.com/mcpagents/aa-subscriber/internal/logger"
	"github.com/mcpagents/aa-subscriber/server"
)

// Subscriber CLI
//
// Usage:
//
//	subscriber subscribe      - run one subscription request and print the result
//	subscriber serve          - serve the control panel and refresh balances
//	subscriber jwt <kind>     - send a JWT request (web, ethr, aa, delegated)
//	subscriber status         - print the EOA and smart account balances

func main() {
	mode := "subscribe"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mode, os.Args[min(len(os.Args), 2):], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, args []string, stdout, stderr io.Writer) error {
	switch mode {
	case "subscribe", "serve", "jwt", "status":
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", mode)
	}
	if mode == "jwt" && len(args) == 0 {
		return fmt.Errorf("jwt needs a kind: %s", strings.Join(jwtKinds(), ", "))
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger.Log, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	switch mode {
	case "serve":
		return serve(ctx, a)
	case "jwt":
		raw, err := a.subscriber.SendJWTRequest(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, raw)
	case "status":
		if err := a.balances.Refresh(ctx); err != nil {
			return err
		}
		return printJSON(stdout, a.balances.Snapshot())
	default:
		result, err := a.state.Run(ctx)
		if err != nil {
			var subErr *subscriber.SubscriptionError
			if errors.As(err, &subErr) {
				logger.Error("Subscription request failed",
					zap.String("step", string(subErr.Step)),
					zap.String("code", subErr.Code))
			}
			_ = printJSON(stdout, a.state.View().Response)
			return err
		}
		return printJSON(stdout, result)
	}
}

// serve runs the balance watcher and the control panel until ctx is done.
func serve(ctx context.Context, a *app) error {
	panel := server.New(a.state, a.subscriber,
		server.WithLogger(a.logger.Named("server")),
		server.WithRunTimeout(a.cfg.ReceiptTimeout*4),
		server.WithDetachedRuns())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.balances.Run(ctx)
	})
	g.Go(func() error {
		return panel.ListenAndServe(ctx, a.cfg.ListenAddr)
	})
	return g.Wait()
}

func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func jwtKinds() []string {
	return []string{"web", "ethr", "aa", "delegated"}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: subscriber <subscribe|serve|jwt <kind>|status>")
	fmt.Fprintf(w, "  jwt kinds: %s\n", strings.Join(jwtKinds(), ", "))
}

// Command relay drains the transactional outbox to a message broker and serves the admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overtonx/relay"
	"github.com/overtonx/relay/account"
	"github.com/overtonx/relay/internal/config"
)

const shutdownTimeout = 10 * time.Second

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{name: "serve", usage: "run the drain, cleanup and requeue workers and the admin API", run: serve},
	{name: "drain", usage: "publish one batch of pending records and exit", run: drainOnce},
	{name: "requeue", usage: "move a FAILED record back to PENDING (requeue <id> | requeue --all)", run: requeue},
	{name: "reset-circuit", usage: "close the circuit of a downstream key (reset-circuit [key])", run: resetCircuit},
	{name: "migrate", usage: "create the outbox and users tables", run: migrate},
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stderr io.Writer) error {
	cmd, err := lookupCommand(args)
	if err != nil {
		printUsage(stderr)
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, config.Usage())
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return err
	}
	defer a.close()

	if err := cmd.run(ctx, a, args[1:]); err != nil {
		logger.Error("Command failed", zap.String("command", cmd.name), zap.Error(err))
		return err
	}
	return nil
}

func lookupCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("no command given")
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd, nil
		}
	}
	return command{}, fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: relay <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-14s %s\n", cmd.name, cmd.usage)
	}
}

func serve(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addr := flags.String("addr", a.cfg.Admin.Addr, "admin API listen address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := a.connect(); err != nil {
		return err
	}

	supervisor := relay.NewSupervisor(a.logger, a.workers()...)
	server := &http.Server{
		Addr:              *addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		supervisor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("Admin API listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		supervisor.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func drainOnce(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("drain", pflag.ContinueOnError)
	batchSize := flags.Int("batch-size", a.cfg.Outbox.BatchSize, "records fetched in one batch")
	maxRetries := flags.Int("max-retries", a.cfg.Outbox.MaxRetries, "failed deliveries before a record is frozen")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := a.connect(); err != nil {
		return err
	}

	opts := append(a.drainOptions(), relay.WithDrainBatchSize(*batchSize), relay.WithDrainMaxRetries(*maxRetries))
	result, err := a.carrier.Drain(ctx, opts...)
	if encodeErr := json.NewEncoder(os.Stdout).Encode(result); encodeErr != nil {
		return encodeErr
	}
	return err
}

func requeue(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("requeue", pflag.ContinueOnError)
	all := flags.Bool("all", false, "requeue every FAILED record below the retry limit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	// Requeueing never publishes.
	carrier, err := relay.NewCarrier(a.store, relay.WithLogger(a.logger))
	if err != nil {
		return err
	}

	if *all {
		requeued, err := carrier.RequeueFailed(ctx,
			relay.WithRequeueBatchSize(a.cfg.Outbox.BatchSize),
			relay.WithRequeueMaxRetries(a.cfg.Outbox.MaxRetries),
		)
		if err != nil {
			return err
		}
		a.logger.Info("Requeued failed records", zap.Int64("count", requeued))
		return nil
	}

	if flags.NArg() != 1 {
		return errors.New("requeue needs exactly one record id, or --all")
	}
	return carrier.Requeue(ctx, flags.Arg(0))
}

func resetCircuit(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("reset-circuit", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}

	key := a.cfg.Breaker.Key
	if flags.NArg() > 0 {
		key = flags.Arg(0)
	}
	return a.breaker.Reset(ctx, key)
}

func migrate(ctx context.Context, a *app, _ []string) error {
	if err := a.store.EnsureTables(ctx); err != nil {
		return err
	}
	if err := account.NewMySQLUserRepository(a.db).EnsureTables(ctx); err != nil {
		return err
	}
	a.logger.Info("Tables are in place")
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"muxrpc/config"
	"muxrpc/logging"
	"muxrpc/middleware"
	"muxrpc/registry"
	"muxrpc/server"
	"muxrpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listen := flag.String("listen", "", "listen address, overrides the config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	opts := cfg.TransportOptions(logger)

	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints)
		if err != nil {
			return err
		}
		defer reg.Close()
		obs := registry.NewObserver(reg, cfg.Etcd.TTL, logger)
		defer func() {
			if err := obs.Close(); err != nil {
				logger.Warn("deregistering connections", zap.Error(err))
			}
		}()
		opts.Observer = transport.Observers{transport.LogObserver{Logger: logger}, obs}
	}

	svr := server.NewServer(opts)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit.RPS > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	if cfg.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	if err := registerArith(svr, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- svr.Serve("tcp", cfg.Listen) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	err := svr.Shutdown(cfg.ShutdownTimeout)
	return multierr.Append(err, <-served)
}

func registerArith(svr *server.Server, logger *zap.Logger) error {
	return multierr.Combine(
		server.Handle(svr, "Arith.Add", func(ctx context.Context, args *Args) (*Reply, error) {
			return &Reply{Result: args.A + args.B}, nil
		}),
		server.Handle(svr, "Arith.Mul", func(ctx context.Context, args *Args) (*Reply, error) {
			return &Reply{Result: args.A * args.B}, nil
		}),
		server.Handle(svr, "Arith.Div", func(ctx context.Context, args *Args) (*Reply, error) {
			if args.B == 0 {
				return nil, errors.New("divide by zero")
			}
			return &Reply{Result: args.A / args.B}, nil
		}),
		// For callers using the proto codec
		server.Handle(svr, "Arith.Square", func(ctx context.Context, n *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error) {
			return wrapperspb.Int64(n.GetValue() * n.GetValue()), nil
		}),
		// For callers using the binary codec
		server.Handle(svr, "Echo.Upper", func(ctx context.Context, s *string) (*string, error) {
			upper := strings.ToUpper(*s)
			return &upper, nil
		}),
		server.HandleOneway(svr, "Log.Write", func(ctx context.Context, line *string) error {
			logger.Info("client log", zap.String("line", *line))
			return nil
		}),
	)
}

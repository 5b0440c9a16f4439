package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"muxrpc/client"
	"muxrpc/codec"
	"muxrpc/config"
	"muxrpc/logging"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "server address, overrides the config file")
	codecName := flag.String("codec", "", "json, binary or proto, overrides the config file")
	a := flag.Int("a", 6, "first operand")
	b := flag.Int("b", 3, "second operand")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *codecName != "" {
		cfg.Codec = *codecName
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *a, *b); err != nil {
		logger.Fatal("client failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, a, b int) error {
	codecType, err := cfg.CodecType()
	if err != nil {
		return err
	}
	c, err := client.Dial("tcp", cfg.Listen, codecType, cfg.TransportOptions(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Printf("ping %s: %v\n", cfg.Listen, time.Since(start))

	switch codecType {
	case codec.CodecTypeProto:
		reply := &wrapperspb.Int64Value{}
		if err := c.Call(ctx, "Arith.Square", wrapperspb.Int64(int64(a)), reply); err != nil {
			return err
		}
		fmt.Printf("%d^2 = %d\n", a, reply.GetValue())

	case codec.CodecTypeBinary:
		var reply string
		if err := c.Call(ctx, "Echo.Upper", "muxrpc", &reply); err != nil {
			return err
		}
		fmt.Println(reply)

	default:
		for _, op := range []struct {
			method string
			symbol string
		}{
			{"Arith.Add", "+"},
			{"Arith.Mul", "*"},
			{"Arith.Div", "/"},
		} {
			var reply Reply
			if err := c.Call(ctx, op.method, &Args{A: a, B: b}, &reply); err != nil {
				fmt.Printf("%d %s %d: %v\n", a, op.symbol, b, err)
				continue
			}
			fmt.Printf("%d %s %d = %d\n", a, op.symbol, b, reply.Result)
		}
		if err := c.Notify(ctx, "Log.Write", fmt.Sprintf("computed with %d and %d", a, b)); err != nil {
			return err
		}
	}
	return nil
}

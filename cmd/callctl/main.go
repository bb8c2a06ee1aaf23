package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/busctl/internal/config"
	"github.com/danmuck/busctl/internal/matchmaker"
	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/observability"
	"github.com/danmuck/busctl/internal/reliability"
	"github.com/danmuck/busctl/internal/session"
)

func main() {
	configPath := flag.String("config", "cmd/callctl/config.toml", "path to caller config")
	topic := flag.String("topic", "", "topic to call")
	payload := flag.String("payload", "", "request payload")
	cast := flag.Bool("cast", false, "fire-and-forget instead of waiting for a reply")
	fanout := flag.Bool("fanout", false, "cast to every live endpoint of the topic")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	logger := observability.InitLogger("callctl")

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "callctl: -topic is required")
		os.Exit(2)
	}

	if err := run(*configPath, *topic, *payload, *cast, *fanout, *timeout); err != nil {
		logger.Error().Err(err).Msg("callctl failed")
		fmt.Fprintf(os.Stderr, "callctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, topic, payload string, cast, fanout bool, timeout time.Duration) error {
	cfg, err := config.LoadCallerConfig(configPath)
	if err != nil {
		return err
	}

	store, err := config.OpenStore(cfg.RegistryBackend, cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mm := matchmaker.New(store, matchmaker.Config{})
	sessions := session.NewManager(netx.TCPNetwork{}, session.DefaultConfig(cfg.Identity))
	defer sessions.Shutdown(context.Background())

	caller := reliability.NewCaller(mm, sessions, config.CallerRuntime(cfg))
	opts := reliability.CallOptions{Policy: config.ResolvePolicy(cfg.Policy)}

	switch {
	case fanout:
		delivered, err := caller.CastFanout(ctx, topic, []byte(payload))
		if err != nil {
			return err
		}
		fmt.Printf("delivered to %d endpoints\n", delivered)
	case cast:
		if err := caller.Cast(ctx, topic, []byte(payload), opts); err != nil {
			return err
		}
		fmt.Println("cast delivered")
	default:
		out, err := caller.Call(ctx, topic, []byte(payload), opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", out)
	}
	return nil
}

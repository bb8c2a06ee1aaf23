package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/busctl/internal/config"
	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/observability"
	"github.com/danmuck/busctl/internal/server"
)

func main() {
	configPath := flag.String("config", "cmd/servectl/config.toml", "path to server config")
	flag.Parse()

	logger := observability.InitLogger("servectl")

	if err := run(*configPath); err != nil {
		logger.Error().Err(err).Msg("servectl failed")
		fmt.Fprintf(os.Stderr, "servectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}

	store, err := config.OpenStore(cfg.RegistryBackend, cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(store, netx.TCPNetwork{}, config.ServerRuntime(cfg))
	for _, topic := range cfg.Topics {
		srv.RegisterHandler(topic, demoHandler)
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}

// demoHandler echoes the payload back with the topic prefixed. Real
// deployments embed internal/server and register their own handlers.
func demoHandler(_ context.Context, topic string, payload []byte) ([]byte, error) {
	var b strings.Builder
	b.WriteString(topic)
	b.WriteString(": ")
	b.Write(payload)
	return []byte(b.String()), nil
}

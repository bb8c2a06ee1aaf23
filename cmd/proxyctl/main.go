package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/busctl/internal/config"
	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/observability"
	"github.com/danmuck/busctl/internal/proxy"
)

func main() {
	configPath := flag.String("config", "cmd/proxyctl/config.toml", "path to proxy config")
	flag.Parse()

	logger := observability.InitLogger("proxyctl")

	if err := run(*configPath); err != nil {
		logger.Error().Err(err).Msg("proxyctl failed")
		fmt.Fprintf(os.Stderr, "proxyctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadProxyConfig(configPath)
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

	px := proxy.New(netx.TCPNetwork{}, store, config.ProxyRuntime(cfg))
	if err := px.Start(ctx); err != nil {
		return err
	}
	defer px.Stop()

	if cfg.AdminListenAddr != "" {
		admin := proxy.NewAdmin(px, cfg.CorsOrigins)
		errCh := make(chan error, 1)
		go func() { errCh <- admin.Serve(cfg.AdminListenAddr) }()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	}

	<-ctx.Done()
	return nil
}

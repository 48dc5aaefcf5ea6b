// stored hosts the in-memory realtime store behind a websocket gateway so
// multiple session processes can share one tree.
//
// Usage:
//
//	go run ./cmd/stored/ [-addr :7601] [-config firenet.toml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/logging"
	"github.com/Lewxa2011/FireNet/internal/store"
)

func main() {
	addr := flag.String("addr", ":7601", "listen address")
	cfgPath := flag.String("config", "", "optional config file")
	flag.Parse()

	cfg := config.Defaults()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	store.NewGateway(log.Named("gateway")).Register(e)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("store gateway listening", zap.String("addr", *addr))
		if err := e.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("gateway exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

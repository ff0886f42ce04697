package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/race-lobby-backend/internal/broadcast"
	"github.com/DoyleJ11/race-lobby-backend/internal/collision"
	"github.com/DoyleJ11/race-lobby-backend/internal/config"
	"github.com/DoyleJ11/race-lobby-backend/internal/httpapi"
	"github.com/DoyleJ11/race-lobby-backend/internal/hub"
	"github.com/DoyleJ11/race-lobby-backend/internal/lobby"
	"github.com/DoyleJ11/race-lobby-backend/internal/logging"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
	"github.com/DoyleJ11/race-lobby-backend/internal/udp"
	"github.com/DoyleJ11/race-lobby-backend/internal/ws"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := session.NewRegistry()
	h := hub.NewHub(ctx, sessions, hub.Options{
		Logger: log,
		Lobby: lobby.Options{
			FinishCountdown: cfg.FinishCountdown,
			CountdownStep:   cfg.CountdownStep,
		},
	})

	udpSrv, err := udp.Listen(cfg.UDPAddr, h, sessions, log)
	if err != nil {
		return err
	}

	coll := collision.DefaultConfig()
	coll.Radius = cfg.CollisionRadius
	bc := broadcast.New(h, sessions, udpSrv, broadcast.Config{Interval: cfg.TickInterval, Collision: coll}, log)

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(h, sessions, ws.Config{
		UDPPort:        udpSrv.Port(),
		KeepAlive:      cfg.KeepAlive,
		IdleTimeout:    cfg.IdleTimeout,
		RequestTimeout: cfg.RequestTimeout,
		OriginPatterns: cfg.OriginPatterns,
	}, log)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return udpSrv.Serve(gctx) })
	g.Go(func() error { return bc.Run(gctx) })
	g.Go(func() error {
		log.Info("listening", zap.String("http", cfg.HTTPAddr), zap.Int("udp", udpSrv.Port()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// The UDP socket closes itself when gctx ends.
		return multierr.Combine(
			httpSrv.Shutdown(sctx),
			h.Shutdown(sctx),
		)
	})

	return g.Wait()
}

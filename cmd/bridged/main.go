// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/bridge"
)

const countStep = 200 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := bridge.NewLogger(cfg.Name, cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := bridge.SetupTracing(ctx, cfg.Name, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	opts := []bridge.ServerOption{
		bridge.WithLogger(logger),
		bridge.WithMaxInFlight(cfg.MaxInFlight),
	}
	if cfg.CallbackPolicy == bridge.PolicyLoop {
		loop := bridge.NewLoop(cfg.LoopCapacity)
		opts = append(opts, bridge.WithCallbackDispatcher(loop))
		g.Go(func() error { return ignoreCanceled(loop.Run(ctx)) })
	}
	srv := bridge.NewServer(opts...)
	bindDemo(ctx, g, srv, logger)

	addrs := []struct{ transport, addr string }{
		{bridge.TransportZAP, cfg.ZAPAddr},
		{bridge.TransportGRPC, cfg.GRPCAddr},
		{bridge.TransportJSON, cfg.JSONAddr},
		{bridge.TransportWS, cfg.WSAddr},
	}
	for _, a := range addrs {
		if a.addr == "" {
			continue
		}
		l, err := bridge.Listen(a.transport, a.addr, srv,
			bridge.WithListenLogger(logger),
			bridge.WithPeerBuffer(cfg.EventBuffer),
		)
		if err != nil {
			return fmt.Errorf("listen %s: %w", a.transport, err)
		}
		g.Go(func() error { return l.Serve(ctx) })
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, g, cfg.MetricsAddr, logger)
	}

	if cfg.LuaScript != "" {
		if err := runLua(ctx, g, srv, cfg, logger); err != nil {
			return err
		}
	}

	logger.Info().Strs("transports", bridge.AvailableTransports()).Msg("bridged started")
	err = g.Wait()
	logger.Info().Msg("bridged stopped")
	return err
}

// serveMetrics exposes Prometheus metrics until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", bridge.MetricsHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

// runLua evaluates the configured script in an embedded Lua surface, then
// keeps the surface attached for events until ctx is done.
func runLua(ctx context.Context, g *errgroup.Group, srv *bridge.Server, cfg bridge.Config, logger zerolog.Logger) error {
	surface, err := bridge.NewLuaSurface()
	if err != nil {
		return err
	}
	inj := bridge.NewInjector(srv, surface, bridge.WithInjectorLogger(logger))
	surface.Connect(inj)

	// The script runs before the injector opens so no event evaluates
	// concurrently with it.
	if err := surface.EvalFile(cfg.LuaScript); err != nil {
		return fmt.Errorf("lua script %s: %w", cfg.LuaScript, err)
	}
	logger.Info().Str("script", cfg.LuaScript).Msg("lua surface ready")
	g.Go(func() error { return inj.Serve(ctx) })
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bindDemo exposes a small object graph for trying out clients.
func bindDemo(ctx context.Context, g *errgroup.Group, srv *bridge.Server, logger zerolog.Logger) {
	tags := bridge.NewList("admin", "ops")
	person := bridge.NewObject("Person").
		WithAttribute("name", "Ada").
		WithAttribute("age", int64(36)).
		WithAttribute("tags", tags).
		WithAttribute("_secret", "hidden").
		WithEvent("greeted")
	person.WithMethod("greet", func(_ context.Context, args []any) (any, error) {
		who := "world"
		if len(args) > 0 {
			who = fmt.Sprint(args[0])
		}
		if err := person.FireEvent("greeted", []any{who}); err != nil {
			return nil, err
		}
		return "hello " + who, nil
	})
	person.WithMethod("birthday", func(_ context.Context, _ []any) (any, error) {
		age, _ := person.Get("age")
		n, _ := age.(int64)
		person.Set("age", n+1)
		return n + 1, nil
	})
	person.WithMethod("count", func(ctx context.Context, args []any) (any, error) {
		steps := int64(10)
		if len(args) > 0 {
			if n, ok := args[0].(int64); ok && n > 0 {
				steps = n
			}
		}
		for i := int64(1); i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(countStep):
			}
			bridge.ReportProgress(ctx, float64(i)/float64(steps))
		}
		return steps, nil
	})
	srv.Bind("person", person)

	settings := bridge.NewDict()
	settings.SetItem("theme", "dark")
	settings.SetItem("volume", int64(7))
	srv.Bind("settings", settings)

	clock := bridge.NewObject("Clock").WithAttribute("uptime", int64(0))
	srv.Bind("clock", clock)
	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				logger.Debug().Msg("clock stopped")
				return nil
			case now := <-t.C:
				clock.Set("uptime", int64(now.Sub(start)/time.Second))
			}
		}
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/hearth/internal/allocator"
	"github.com/jbweber/homelab/hearth/internal/api"
	"github.com/jbweber/homelab/hearth/internal/config"
	"github.com/jbweber/homelab/hearth/internal/engine"
	"github.com/jbweber/homelab/hearth/internal/logger"
	"github.com/jbweber/homelab/hearth/internal/repository"
	"github.com/jbweber/homelab/hearth/internal/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the DHCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogJSON)
	log.Info("starting hearth",
		"server_ip", cfg.ServerIP,
		"pool_start", cfg.IPPoolStart,
		"pool_end", cfg.IPPoolEnd,
		"lease_time", cfg.LeaseTime,
	)

	db, err := cfg.InitializeDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	alloc, err := buildAllocator(cfg)
	if err != nil {
		return err
	}

	store := repository.NewLeaseRepository(db)
	eng, err := engine.New(cfg, alloc, store, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The persisted store is authoritative: rebuild the pool view from it,
	// then clear anything that expired while we were down, before the
	// socket opens.
	if err := eng.Bootstrap(ctx); err != nil {
		return err
	}
	if reclaimed, err := eng.Sweep(ctx); err != nil {
		return err
	} else if reclaimed > 0 {
		log.Info("cleaned up expired leases", "count", reclaimed)
	}

	g, ctx := errgroup.WithContext(ctx)

	udp := server.New(cfg.ListenAddr, eng, log)
	g.Go(func() error {
		return udp.Run(ctx)
	})

	g.Go(func() error {
		err := eng.RunSweeper(ctx, cfg.SweepPeriod())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return runAPI(ctx, cfg.APIAddr, eng, log)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("hearth stopped")
	return nil
}

func buildAllocator(cfg *config.Config) (*allocator.Allocator, error) {
	alloc, err := allocator.New(
		parseIP(cfg.IPPoolStart), parseIP(cfg.IPPoolEnd), cfg.OfferDuration())
	if err != nil {
		return nil, err
	}
	for _, ex := range cfg.Excluded {
		if err := alloc.Exclude(parseIP(ex)); err != nil {
			return nil, err
		}
	}
	for _, res := range cfg.Reservations {
		if err := alloc.AddReservation(normalizeMAC(res.MAC), parseIP(res.IP)); err != nil {
			return nil, err
		}
	}
	return alloc, nil
}

func parseIP(s string) net.IP {
	// Validate() already rejected anything unparseable.
	return net.ParseIP(s).To4()
}

// normalizeMAC canonicalizes a configured MAC to the format the wire
// decoder produces (lowercase, colon-separated).
func normalizeMAC(s string) string {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return s
	}
	return hw.String()
}

func runAPI(ctx context.Context, addr string, eng *engine.Engine, log *slog.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	leaseAPI := api.NewAPI(eng, log)
	leaseAPI.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("management API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

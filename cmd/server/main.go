package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/presence/internal/adapters/http"
	"github.com/dkeye/presence/internal/adapters/rtc"
	sig "github.com/dkeye/presence/internal/adapters/signal"
	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/app/orch"
	"github.com/dkeye/presence/internal/app/sfu"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var (
		gatherer prometheus.Gatherer
		hubStats *metrics.Hub
	)
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		hubStats = metrics.New(reg)
		gatherer = reg
	}

	api, err := rtc.NewAPI(zerolog.WarnLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Channels: app.NewChannelManager(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(hubStats),
		Auth:     app.TokenVerifier{AppID: cfg.AppID, Secret: []byte(cfg.Secret)},
		Metrics:  hubStats,
	}
	ctl := sig.NewSignalWSController(o, api, rtc.Configuration(cfg.ICEServers), sig.OptionsFrom(cfg))

	go o.RunSnapshots(ctx, cfg.Sync.SnapshotRate)

	r := router.SetupRouter(ctx, cfg, o, ctl, gatherer)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("presence hub started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	o.EvictAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

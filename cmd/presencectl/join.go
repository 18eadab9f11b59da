package main

import (
	"context"
	"errors"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/presence/internal/adapters/device"
	"github.com/dkeye/presence/internal/adapters/rtc"
	"github.com/dkeye/presence/internal/adapters/transport"
	"github.com/dkeye/presence/internal/adapters/view"
	"github.com/dkeye/presence/internal/app/call"
	"github.com/dkeye/presence/internal/app/session"
	"github.com/dkeye/presence/internal/app/statesync"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/domain"
)

type joinFlags struct {
	hub     string
	name    string
	token   string
	wander  bool
	render  time.Duration
	noVideo bool
	noAudio bool
	muted   []string
}

func newJoinCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join <channel>",
		Short: "Join a channel and stay until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runJoin(ctx, cfg, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.hub, "hub", "ws://localhost:8080/api/ws/signal", "Hub signaling URL")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Display name (default: random)")
	cmd.Flags().StringVar(&f.token, "token", "", "Join token, see 'presencectl token'")
	cmd.Flags().BoolVar(&f.wander, "wander", false, "Walk the avatar in a circle")
	cmd.Flags().DurationVar(&f.render, "render", time.Second, "How often to log the peer view")
	cmd.Flags().BoolVar(&f.noVideo, "no-video", false, "Do not publish video")
	cmd.Flags().BoolVar(&f.noAudio, "no-audio", false, "Do not publish audio")
	cmd.Flags().StringSliceVar(&f.muted, "muted", nil, "Publish these kinds muted (audio, video)")
	return cmd
}

func runJoin(ctx context.Context, cfg *config.Config, channel string, f joinFlags) error {
	ch, err := domain.NewChannel(channel, domain.Credentials{AppID: cfg.AppID, Token: f.token})
	if err != nil {
		return err
	}
	muted, err := parseKinds(f.muted)
	if err != nil {
		return err
	}
	if f.name == "" {
		f.name = "guest-" + uuid.NewString()[:6]
	}
	syncCfg, err := statesync.ConfigFrom(cfg.Sync)
	if err != nil {
		return err
	}
	sessCfg := session.ConfigFrom(cfg.Session)

	api, err := rtc.NewAPI(zerolog.WarnLevel)
	if err != nil {
		return err
	}
	client := transport.NewClient(transport.Options{
		URL:         f.hub,
		API:         api,
		RTC:         rtc.Configuration(cfg.ICEServers),
		EventBuffer: cfg.Session.EventBuffer,
	})
	capture := device.NewSynthetic(f.name)
	capture.Disabled = map[domain.Kind]bool{domain.KindAudio: f.noAudio, domain.KindVideo: f.noVideo}
	if f.noAudio || f.noVideo {
		sessCfg.AllowPartial = true
	}
	board := view.NewBoard()
	c := call.New(call.Options{
		Channel:     ch,
		Name:        f.name,
		UpdateRate:  cfg.Sync.UpdateRate,
		EventBuffer: cfg.Session.EventBuffer,
		Sync:        syncCfg,
		Session:     sessCfg,
	}, call.Deps{
		Transport: client,
		Capture:   capture,
		Layout:    view.NewGrid(board),
		Focus:     board.NewTile("focus"),
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return logEvents(gctx, c) })
	g.Go(func() error {
		return c.Render(gctx, f.render, func(_ time.Time, frame []call.PeerView) {
			for _, p := range frame {
				log.Info().Str("module", "presencectl").Str("peer", string(p.Peer)).Str("name", p.Name).
					Bool("has_state", p.HasState).Float64("x", p.State.X).Float64("y", p.State.Y).
					Bool("focused", p.Focused).Msg("peer")
			}
		})
	})
	if f.wander {
		g.Go(func() error { return wander(gctx, c, cfg.Sync.UpdateRate) })
	}
	g.Go(func() error {
		defer stopRun()
		if err := joinRetrying(ctx, c); err != nil {
			return err
		}
		for _, k := range muted {
			if err := c.SetEnabled(ctx, k, false); err != nil {
				log.Warn().Err(err).Str("module", "presencectl").Str("kind", k.String()).Msg("mute failed")
			}
		}
		select {
		case <-ctx.Done():
		case <-gctx.Done():
			return nil
		}
		lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.Leave(lctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func parseKinds(names []string) ([]domain.Kind, error) {
	out := make([]domain.Kind, 0, len(names))
	for _, n := range names {
		k, err := domain.ParseKind(n)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// joinRetrying retries network failures with backoff. Auth and device
// failures are final.
func joinRetrying(ctx context.Context, c *call.Call) error {
	backoff := time.Second
	for {
		err := c.Join(ctx)
		if err == nil || !errors.Is(err, domain.ErrNetwork) {
			return err
		}
		log.Warn().Err(err).Str("module", "presencectl").Dur("retry_in", backoff).Msg("join failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 30*time.Second)
	}
}

func logEvents(ctx context.Context, c *call.Call) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.Events():
			e := log.Info().Str("module", "presencectl").Str("event", ev.Kind.String())
			if ev.Peer != "" {
				e = e.Str("peer", string(ev.Peer))
			}
			switch ev.Kind {
			case call.PeerPublished, call.PeerUnpublished:
				e = e.Str("kind", ev.Media.String())
			case call.PeerMuted:
				e = e.Str("kind", ev.Media.String()).Bool("muted", ev.Muted)
			case call.SessionStateChanged:
				e = e.Str("session", ev.Session.String()).Err(ev.Err)
			case call.StateUpdated:
				continue
			}
			e.Msg("call event")
		}
	}
}

func wander(ctx context.Context, c *call.Call, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			a := now.Sub(start).Seconds() / 4
			s := domain.State{X: 200 + 100*math.Cos(a), Y: 200 + 100*math.Sin(a), Direction: direction(a), Moving: true}
			if err := c.Move(s); err != nil {
				return err
			}
		}
	}
}

func direction(angle float64) string {
	dx, dy := -math.Sin(angle), math.Cos(angle)
	if math.Abs(dx) > math.Abs(dy) {
		if dx > 0 {
			return "right"
		}
		return "left"
	}
	if dy > 0 {
		return "down"
	}
	return "up"
}

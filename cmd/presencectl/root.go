package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/internal/channel/redischan"
	"github.com/DoyleJ11/trip-presence/internal/channel/wschan"
	"github.com/DoyleJ11/trip-presence/internal/config"
	"github.com/DoyleJ11/trip-presence/internal/logging"
	"github.com/DoyleJ11/trip-presence/pkg/collab"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

const closeTimeout = 5 * time.Second

var errMemTransport = errors.New("the mem transport only exists inside one process; use ws or redis")

// app is what every subcommand shares once flags and config are resolved.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *zap.Logger
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "presencectl",
		Short: "Join a presence scope as a participant",
		Long: `presencectl joins a scope through the relay server or Redis, shows who
is active and which items are locked, and can hold an editing lock.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			a.cfg, a.log, a.out = cfg, log, cmd.OutOrStdout()
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("transport", config.TransportWS, "ws or redis")
	pf.String("relay-url", "", "relay websocket endpoint")
	pf.String("redis-url", "", "redis url for the redis transport")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "json or console")
	pf.StringP("scope", "s", "", "scope to join (required)")
	pf.String("id", "", "participant id (default: a new ulid)")
	pf.String("status", string(types.StatusOnline), "initial status: online or away")
	pf.String("page", "", "page path to advertise")
	_ = root.MarkPersistentFlagRequired("scope")

	for key, flag := range map[string]string{
		"transport":  "transport",
		"relay_url":  "relay-url",
		"redis.url":  "redis-url",
		"log.level":  "log-level",
		"log.format": "log-format",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(newWatchCmd(a), newEditCmd(a))
	return root
}

// session dials the configured transport and starts a session in scope.
// The returned stop func closes both.
func (a *app) session(ctx context.Context, cmd *cobra.Command) (*collab.Session, func() error, error) {
	flags := cmd.Flags()
	scope, _ := flags.GetString("scope")
	id, _ := flags.GetString("id")
	if id == "" {
		id = ulid.Make().String()
	}
	status, _ := flags.GetString("status")
	page, _ := flags.GetString("page")

	ch, err := a.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []collab.Option{
		collab.WithLogger(a.log),
		collab.WithTimings(a.cfg.Timings.Timings()),
		collab.WithInitialStatus(types.Status(status)),
		collab.WithPagePath(page),
	}
	// Redis has no relay to answer snapshot requests; peers do.
	if a.cfg.Transport == config.TransportRedis {
		opts = append(opts, collab.WithServeSnapshots())
	}
	s, err := collab.New(ch, scope, id, opts...)
	if err != nil {
		return nil, nil, multierr.Append(err, ch.Close())
	}
	if err := s.Start(ctx); err != nil {
		return nil, nil, multierr.Append(err, ch.Close())
	}

	stop := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return multierr.Append(s.Close(ctx), ch.Close())
	}
	return s, stop, nil
}

type closableChannel interface {
	channel.Channel
	Close() error
}

func (a *app) dial(ctx context.Context) (closableChannel, error) {
	switch a.cfg.Transport {
	case config.TransportWS:
		return wschan.New(a.cfg.RelayURL, wschan.WithLogger(a.log)), nil
	case config.TransportRedis:
		c, err := redischan.Dial(ctx, a.cfg.Redis.URL,
			redischan.WithPrefix(a.cfg.Redis.Prefix), redischan.WithLogger(a.log))
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportMem:
		return nil, errMemTransport
	}
	return nil, fmt.Errorf("unknown transport %q", a.cfg.Transport)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

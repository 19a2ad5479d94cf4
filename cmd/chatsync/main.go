// Command chatsync follows one workspace, channel or conversation over the
// real-time STOMP connection, keeps a query cache in sync with the events it
// receives and prints connection, typing and presence changes.
//
// Lines typed on stdin count as typing activity. The commands /stop, /token
// <token>, /logout and /quit are also understood.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chatsync/internal/auth"
	"github.com/whisper/chatsync/internal/config"
	"github.com/whisper/chatsync/internal/invalidation"
	"github.com/whisper/chatsync/internal/logging"
	"github.com/whisper/chatsync/internal/loop"
	"github.com/whisper/chatsync/internal/messaging"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/presence"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/querycache"
	"github.com/whisper/chatsync/internal/realtime"
	"github.com/whisper/chatsync/internal/router"
	"github.com/whisper/chatsync/internal/typing"
	"github.com/whisper/chatsync/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scope := cfg.Scope()
	log.Info("chatsync starting",
		zap.String("url", cfg.URL),
		zap.Stringer("scope", scope),
		zap.String("reconnect", cfg.Reconnect.Policy),
		zap.Duration("heartbeat", cfg.Heartbeat.Interval),
		zap.Bool("token", cfg.Token != ""),
	)

	lp := loop.New(0, log)
	svc := realtime.NewService(ws.NewDialer(cfg.Dialer(), lp, log), lp, cfg.Realtime(), log)
	rt := router.New(svc, log)
	out := printer{out: color.Output}

	// --- Invalidation sinks ---
	cache := querycache.New(cfg.Cache.TTL, log)
	sinks := invalidation.NewMulti(log, cache, out)

	var (
		natsClient *messaging.NATSClient
		redisPub   *messaging.RedisPublisher
		err        error
	)
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Subject = cfg.NATS.Subject
		natsClient, err = messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		sinks.Add(natsClient)
	}

	if cfg.Redis.Addr != "" {
		redisPub, err = messaging.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Channel, messaging.DefaultQueueSize, log)
		if err != nil {
			return err
		}
		defer redisPub.Close()
		sinks.Add(redisPub)
	}

	bridge := invalidation.NewBridge(sinks, log)

	// --- Views ---
	var (
		pub     *typing.Publisher
		tracker *typing.Tracker
	)
	presenceTracker := presence.NewTracker(lp, log)
	if scope.ChannelID != "" || scope.ConversationID != "" {
		pub = typing.NewPublisher(svc, lp, scope, cfg.UserID, cfg.Typing.Idle, log)
		tracker = typing.NewTracker(lp, typing.TrackerConfig{
			SelfID: cfg.UserID,
			Scope:  scope,
			Expiry: cfg.Typing.Expiry,
		}, log)
	}

	lp.Post(func() {
		svc.OnStateChange(out.state)
		rt.Handle(protocol.WorkspaceTopic(scope.WorkspaceID), bridge)
		rt.Handle(protocol.TopicPresence, presenceTracker)
		presenceTracker.OnChange(func(e presence.Entry) {
			out.presence(e, presenceTracker.OnlineUsers())
		})
		if tracker != nil {
			rt.Handle(scope.Topic(), router.HandlerFunc(func(ev protocol.Event) {
				bridge.HandleEvent(ev)
				tracker.HandleEvent(ev)
			}))
			tracker.OnChange(out.typing)
		}
	})

	src := auth.NewSource(cfg.Token, log)
	unbind, err := auth.Bind(src, svc, lp)
	if err != nil {
		return err
	}
	defer unbind()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := lp.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		go cache.Start()
		<-ctx.Done()
		cache.Stop()
		return nil
	})

	// Keys published by sibling clients drop the same local entries.
	if natsClient != nil {
		if err := natsClient.SubscribeInvalidations(cache.Invalidate); err != nil {
			return err
		}
	}
	if redisPub != nil {
		g.Go(func() error {
			err := redisPub.Subscribe(ctx, cache.Invalidate)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
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

	// Stdin is not part of the group: a blocked read must not hold up
	// shutdown.
	quit := make(chan struct{})
	go readCommands(os.Stdin, lp, src, pub, out, quit)
	g.Go(func() error {
		select {
		case <-quit:
			stop()
		case <-ctx.Done():
		}
		return nil
	})

	err = g.Wait()

	// The loop has stopped; tear down from here.
	if pub != nil {
		pub.Close()
	}
	svc.Disconnect()
	if tracker != nil {
		tracker.Close()
	}
	log.Info("chatsync stopped")
	return err
}

// readCommands turns stdin lines into typing activity and auth commands. It
// closes quit on /quit. End of input only ends the commands; the process
// keeps running until a signal arrives.
func readCommands(r io.Reader, lp *loop.Loop, src *auth.Source, pub *typing.Publisher, out printer, quit chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")

		switch cmd {
		case "/quit":
			close(quit)
			return
		case "/logout":
			src.Logout()
		case "/token":
			if arg == "" {
				lp.Post(func() { out.errorf("usage: /token <token>") })
				continue
			}
			src.Set(arg)
		case "/stop":
			if pub != nil {
				lp.Post(pub.Reset)
			}
		case "":
		default:
			if pub != nil {
				lp.Post(pub.Activity)
			}
		}
	}
}

// Package main provides the CLI entry point for the convmux daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/telemux/convmux/internal/config"
	"github.com/telemux/convmux/internal/engine"
	"github.com/telemux/convmux/internal/health"
	"github.com/telemux/convmux/internal/logging"
	"github.com/telemux/convmux/internal/metrics"
	"github.com/telemux/convmux/internal/mux"
	"github.com/telemux/convmux/internal/recovery"
)

var (
	// Version is set at build time.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "convmux",
		Short: "convmux - conversation-multiplexed UDP listener",
		Long: `convmux multiplexes many reliable byte-stream conversations over a
single UDP socket. Each datagram carries a conversation ID; the daemon
routes datagrams to per-conversation sessions and hands new streams to
an echo workload for diagnostics.`,
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// listenerStats adapts a running listener to the health server.
type listenerStats struct {
	l       *mux.Listener
	running *atomic.Bool
}

func (s *listenerStats) IsRunning() bool {
	return s.running.Load()
}

func (s *listenerStats) Stats() health.Stats {
	return health.Stats{
		Sessions:  s.l.SessionCount(),
		Accepted:  s.l.AcceptedTotal(),
		Allocated: s.l.AllocatedTotal(),
		LocalAddr: s.l.LocalAddr().String(),
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the convmux echo daemon",
		Long:  "Bind the UDP listener from the configuration file and echo every accepted stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			muxCfg := mux.Config{
				AcceptBacklog:  cfg.Mux.AcceptBacklog,
				CloseBacklog:   cfg.Mux.CloseBacklog,
				SessionBuffer:  cfg.Mux.SessionBuffer,
				ReadBuffer:     cfg.Mux.ReadBuffer,
				ReceiveBackoff: cfg.Mux.ReceiveBackoff.Std(),
				SessionRate:    cfg.Mux.SessionRate,
				SessionBurst:   cfg.Mux.SessionBurst,
				Engine:         engine.NewDatagramFactory(),
				EngineOptions:  engine.Options(cfg.Engine.Options),
				Logger:         logger,
				Metrics:        metrics.Default(),
			}

			l, err := mux.Bind(muxCfg, cfg.Listen)
			if err != nil {
				return fmt.Errorf("failed to bind listener: %w", err)
			}

			var running atomic.Bool
			running.Store(true)

			var healthServer *health.Server
			if cfg.Health.Enabled {
				hcfg := health.DefaultServerConfig()
				hcfg.Address = cfg.Health.Address
				healthServer = health.NewServer(hcfg, &listenerStats{l: l, running: &running})
				if err := healthServer.Start(); err != nil {
					l.Close()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				fmt.Printf("Health server: %s\n", healthServer.Address())
			}

			fmt.Printf("Listening on %s\n", l.LocalAddr())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var echoed atomic.Uint64
			go acceptLoop(ctx, l, logger, &echoed)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			running.Store(false)
			cancel()
			l.Close()
			if healthServer != nil {
				healthServer.Stop()
			}

			fmt.Printf("Echoed %s across %d conversations.\n",
				humanize.Bytes(echoed.Load()), l.AcceptedTotal())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// acceptLoop echoes every accepted stream until the listener closes.
func acceptLoop(ctx context.Context, l *mux.Listener, logger *slog.Logger, echoed *atomic.Uint64) {
	for {
		stream, peer, err := l.Accept(ctx)
		if err != nil {
			return
		}
		logger.Debug("accepted conversation",
			logging.KeyConv, stream.Conv(),
			logging.KeyPeerAddr, peer.String())

		go echoStream(ctx, stream, echoed)
	}
}

func echoStream(ctx context.Context, stream *mux.Stream, echoed *atomic.Uint64) {
	defer stream.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Recv(ctx, buf)
		if err != nil {
			return
		}
		if _, err := stream.Send(ctx, buf[:n]); err != nil {
			return
		}
		echoed.Add(uint64(n))
	}
}

func benchCmd() *cobra.Command {
	var (
		addr     string
		conns    int
		payload  int
		duration time.Duration
		msgRate  float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark a convmux listener",
		Long:  "Open concurrent conversations against a convmux echo daemon and report throughput.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conns < 1 {
				return fmt.Errorf("--conns must be positive")
			}
			if payload < 1 {
				return fmt.Errorf("--payload must be positive")
			}

			logger := logging.NopLogger()
			ctx, cancel := context.WithTimeout(context.Background(), duration)
			defer cancel()

			var (
				wg         sync.WaitGroup
				totalBytes atomic.Uint64
				totalMsgs  atomic.Uint64
				failures   atomic.Uint64
			)

			start := time.Now()
			for i := 0; i < conns; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer recovery.RecoverWithLog(logger, "bench-client")

					if err := benchClient(ctx, addr, payload, msgRate, &totalBytes, &totalMsgs); err != nil {
						failures.Add(1)
					}
				}()
			}
			wg.Wait()
			elapsed := time.Since(start)

			bytes := totalBytes.Load()
			perSec := uint64(float64(bytes) / elapsed.Seconds())

			fmt.Printf("Conversations: %d (%d failed)\n", conns, failures.Load())
			fmt.Printf("Round trips:   %d\n", totalMsgs.Load())
			fmt.Printf("Transferred:   %s (%s/s)\n", humanize.Bytes(bytes), humanize.Bytes(perSec))
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:4000", "Listener address")
	cmd.Flags().IntVarP(&conns, "conns", "n", 8, "Concurrent conversations")
	cmd.Flags().IntVarP(&payload, "payload", "p", 1024, "Payload bytes per round trip")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Benchmark duration")
	cmd.Flags().Float64VarP(&msgRate, "rate", "r", 0, "Round trips per second per conversation (0 = unlimited)")

	return cmd
}

// benchClient runs one conversation: send payload, await echo, repeat until
// the context expires.
func benchClient(ctx context.Context, addr string, payload int, msgRate float64, totalBytes, totalMsgs *atomic.Uint64) error {
	cfg := mux.Config{
		Engine: engine.NewDatagramFactory(),
		Logger: logging.NopLogger(),
	}

	stream, err := mux.Dial(ctx, cfg, addr)
	if err != nil {
		return err
	}
	defer stream.Close()

	var limiter *rate.Limiter
	if msgRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(msgRate), 1)
	}

	msg := make([]byte, payload)
	buf := make([]byte, 64*1024)

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		if _, err := stream.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		n, err := stream.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		totalBytes.Add(uint64(n))
		totalMsgs.Add(1)
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iwismer/rusty-timer-sub001/config"
	"github.com/iwismer/rusty-timer-sub001/internal/logging"
	"github.com/iwismer/rusty-timer-sub001/internal/server"
	"github.com/iwismer/rusty-timer-sub001/internal/server/adminhttp"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the central relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		logging.Setup(config.Config.LogLevel)
		logging.EnableMany(config.Config.Verbose)
		return runServer()
	},
}

func runServer() error {
	cfg := config.Config

	st, err := store.Open(cfg.ServerDBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("canonical store open", slog.String("path", cfg.ServerDBPath))

	srv := server.New(st, server.Options{
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		SessionTimeout:    time.Duration(cfg.SessionTimeoutSec) * time.Second,
		HandshakeTimeout:  time.Duration(cfg.HandshakeTimeoutSec) * time.Second,
		ReceiverQueue:     cfg.ReceiverQueue,
		DropHighWater:     cfg.DropHighWater,
	})

	started := time.Now()
	adminhttp.RegisterCustomCollector(func() []string {
		return []string{
			fmt.Sprintf("timer_server_uptime_seconds %d", int64(time.Since(started).Seconds())),
			fmt.Sprintf("timer_server_start_time_seconds %d", started.Unix()),
		}
	})

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort)
		errCh <- adminhttp.Serve(ctx, addr, adminhttp.New(st, srv))
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		// Let both listeners notice the cancellation before the store closes.
		<-errCh
		<-errCh
		return nil
	case err := <-errCh:
		stop()
		<-errCh
		return err
	}
}

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iwismer/rusty-timer-sub001/config"
	"github.com/iwismer/rusty-timer-sub001/internal/forwarder"
	"github.com/iwismer/rusty-timer-sub001/internal/journal"
	"github.com/iwismer/rusty-timer-sub001/internal/logging"
	"github.com/iwismer/rusty-timer-sub001/internal/uplink"
)

var forwarderCmd = &cobra.Command{
	Use:   "forwarder",
	Short: "Run the on-course forwarder next to the timing readers",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		logging.Setup(config.Config.LogLevel)
		logging.EnableMany(config.Config.Verbose)
		return runForwarder()
	},
}

func runForwarder() error {
	cfg := config.Config
	if cfg.ForwarderID == "" || cfg.Credential == "" {
		return errors.New("forwarder-id and credential are required")
	}
	if len(cfg.ReaderListenAddrs) == 0 {
		return errors.New("at least one reader address is required (--reader-addrs)")
	}

	j, err := journal.Open(cfg.JournalDBPath)
	if err != nil {
		return err
	}
	defer j.Close()
	slog.Info("journal open", slog.String("path", cfg.JournalDBPath))

	u := uplink.New(j, &forwarder.TCPTransport{ServerAddr: cfg.ServerAddr}, uplink.Options{
		ForwarderID:      cfg.ForwarderID,
		DisplayName:      cfg.DisplayName,
		Credential:       cfg.Credential,
		BatchMaxEvents:   cfg.BatchMaxEvents,
		FlushInterval:    time.Duration(cfg.BatchFlushMillis) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSec) * time.Second,
		SessionTimeout:   time.Duration(cfg.SessionTimeoutSec) * time.Second,
	})

	sources := make([]forwarder.Source, len(cfg.ReaderListenAddrs))
	for i, addr := range cfg.ReaderListenAddrs {
		sources[i] = &forwarder.TCPSource{Addr: addr}
	}

	f := forwarder.New(j, u, sources, forwarder.Options{
		MaxJournalEvents: int64(cfg.JournalMaxEvents),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAddr != "" {
		go func() {
			if err := f.ServeStatus(ctx, cfg.StatusAddr); err != nil {
				slog.Error("status endpoint failed", slog.Any("error", err))
			}
		}()
	}

	err = f.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

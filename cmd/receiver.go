package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iwismer/rusty-timer-sub001/config"
	"github.com/iwismer/rusty-timer-sub001/internal/logging"
	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/receiver"
)

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Run the receiver next to the timing software",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		logging.Setup(config.Config.LogLevel)
		logging.EnableMany(config.Config.Verbose)
		return runReceiver()
	},
}

// parseSelection builds the initial selection from the flat config.
// Manual stream specs are forwarder_id/reader_key.
func parseSelection(cfg *config.TimerConfig) (protocol.Selection, error) {
	switch cfg.SelectionMode {
	case protocol.SelectionManual:
		sel := protocol.Selection{Mode: protocol.SelectionManual}
		for _, spec := range cfg.SelectionStreams {
			fwd, key, ok := strings.Cut(spec, "/")
			if !ok || fwd == "" || key == "" {
				return protocol.Selection{}, fmt.Errorf("bad stream spec %q, want forwarder_id/reader_key", spec)
			}
			sel.Streams = append(sel.Streams, protocol.StreamRef{ForwarderID: fwd, ReaderKey: key})
		}
		if len(sel.Streams) == 0 {
			return protocol.Selection{}, errors.New("manual selection needs --selection-streams")
		}
		return sel, nil
	case protocol.SelectionRace:
		if cfg.SelectionRace == "" {
			return protocol.Selection{}, errors.New("race selection needs --selection-race")
		}
		scope := cfg.SelectionScope
		if scope != protocol.EpochScopeAll && scope != protocol.EpochScopeCurrent {
			return protocol.Selection{}, fmt.Errorf("bad selection-scope %q, want all or current", scope)
		}
		return protocol.Selection{
			Mode:       protocol.SelectionRace,
			RaceID:     cfg.SelectionRace,
			EpochScope: scope,
		}, nil
	default:
		return protocol.Selection{}, fmt.Errorf("bad selection-mode %q, want manual or race", cfg.SelectionMode)
	}
}

func runReceiver() error {
	cfg := config.Config
	if cfg.ReceiverID == "" || cfg.Credential == "" {
		return errors.New("receiver-id and credential are required")
	}
	sel, err := parseSelection(cfg)
	if err != nil {
		return err
	}

	cdb, err := receiver.OpenCursors(cfg.CursorDBPath)
	if err != nil {
		return err
	}
	defer cdb.Close()
	slog.Info("cursor cache open", slog.String("path", cfg.CursorDBPath))

	sink := receiver.NewLineServer()
	ln, err := net.Listen("tcp", cfg.SinkAddr)
	if err != nil {
		return fmt.Errorf("sink listen: %w", err)
	}

	r := receiver.New(cdb, &receiver.Dialer{ServerAddr: cfg.ServerAddr}, sink, receiver.Options{
		ReceiverID:       cfg.ReceiverID,
		Credential:       cfg.Credential,
		Selection:        sel,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSec) * time.Second,
		SessionTimeout:   time.Duration(cfg.SessionTimeoutSec) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sink.Serve(ctx, ln); err != nil {
			slog.Error("line sink failed", slog.Any("error", err))
		}
	}()

	err = r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

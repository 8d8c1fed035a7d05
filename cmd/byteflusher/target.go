package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/history"
	"github.com/chaz8081/byteflusher/internal/inject"
	"github.com/chaz8081/byteflusher/internal/session"
	"github.com/chaz8081/byteflusher/internal/target"
)

// targetFlags pick what a session talks to instead of the real device.
type targetFlags struct {
	dryRun string // emulate the target console in this directory
	local  bool   // type on this machine through the loopback peer
	echo   bool   // print what would be typed
}

func (f *targetFlags) bind(cmd *cobra.Command, dryRunHelp string) {
	cmd.Flags().StringVar(&f.dryRun, "dry-run", "", dryRunHelp)
	cmd.Flags().BoolVar(&f.local, "local", false, "type on this machine instead of through the device")
}

func noSleep(context.Context, time.Duration) error { return nil }

// echoSink prints what the device would type.
type echoSink struct {
	w io.Writer
}

func (e echoSink) Type(text string) error {
	_, err := io.WriteString(e.w, text)
	return err
}

func (e echoSink) Macro(f protocol.MacroFrame) error {
	_, err := fmt.Fprintf(e.w, "[macro %s]\n", f.Op)
	return err
}

// newSession builds a session for the selected target and opens the run
// history. The returned function releases both.
func (a *app) newSession(tf targetFlags, mutate func(*session.Options)) (*session.Session, func(), error) {
	cfg := a.cfg
	opts := session.Options{
		Address:     a.deviceAddress(),
		ScanTimeout: time.Duration(cfg.Device.ScanTimeoutSec) * time.Second,
		Peer:        ble.DefaultPeerOptions(),
	}

	switch {
	case tf.dryRun != "":
		if err := os.MkdirAll(tf.dryRun, 0o755); err != nil {
			return nil, nil, fmt.Errorf("dry run directory: %w", err)
		}
		emu := target.NewEmulator(tf.dryRun, target.Options{Format: cfg.LineFormat()})
		opts.Adapter = inject.NewLoopback(inject.NewConsole(emu))
		opts.Address = inject.LoopbackAddress
		opts.Probe = emu.TakeError
		opts.Sleep = noSleep
		slog.Info("dry run, target drive emulated", "dir", tf.dryRun)
	case tf.local:
		opts.Adapter = inject.NewLoopback(inject.NewKeyboard(cfg.Inject.Method))
		opts.Address = inject.LoopbackAddress
		slog.Info("local rehearsal, typing on this machine", "method", cfg.Inject.Method)
	case tf.echo:
		opts.Adapter = inject.NewLoopback(echoSink{w: a.stdout})
		opts.Address = inject.LoopbackAddress
	default:
		opts.Adapter = ble.NewSystemAdapter()
	}

	var store *history.Store
	if cfg.History.Path != "" {
		s, err := history.Open(cfg.History.Path)
		if err != nil {
			slog.Warn("run history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			store = s
			opts.History = store
		}
	}

	if mutate != nil {
		mutate(&opts)
	}
	s := session.New(opts)
	release := func() {
		if err := s.Disconnect(); err != nil {
			slog.Warn("disconnect failed", "error", err)
		}
		if store != nil {
			store.Close()
		}
	}
	return s, release, nil
}

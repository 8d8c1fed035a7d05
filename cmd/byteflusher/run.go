package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/history"
	"github.com/chaz8081/byteflusher/internal/hotkey"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/session"
	"github.com/chaz8081/byteflusher/internal/textflush"
	"github.com/chaz8081/byteflusher/internal/transfer"
)

// monitor draws the progress of each run a session starts.
type monitor struct {
	disp   job.Display
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMonitor(w io.Writer) *monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &monitor{
		disp:   job.Display{W: w, Terminal: isTerminal(os.Stderr)},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *monitor) start(kind history.Kind, j *job.Job) {
	slog.Debug("run started", "kind", kind)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.disp.Run(m.ctx, j)
	}()
}

// finish draws the final line and waits for it.
func (m *monitor) finish() {
	m.cancel()
	m.wg.Wait()
}

// runControlled connects s and runs fn with Ctrl+C, single-key and
// optional global hotkey controls. Interrupting stops the run; cleanup
// still happens before fn returns.
func (a *app) runControlled(ctx context.Context, s *session.Session, mon *monitor, fn func(ctx context.Context) error) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		return err
	}

	keysCtx, stopKeys := context.WithCancel(ctx)
	restore := watchKeys(keysCtx, a.out, s)
	defer func() {
		stopKeys()
		restore()
	}()
	if isTerminal(os.Stdin) {
		slog.Info("controls: p pause, r resume, s stop")
	}

	if a.cfg.Hotkey.Enabled {
		l := hotkey.NewListener(a.cfg.Hotkey.Pause, a.cfg.Hotkey.Stop)
		go l.Start()
		go hotkey.Dispatch(keysCtx, l.Events(), s)
		defer l.Stop()
		slog.Info("hotkeys enabled", "pause", strings.Join(a.cfg.Hotkey.Pause, "+"), "stop", strings.Join(a.cfg.Hotkey.Stop, "+"))
	}

	err := fn(ctx)
	mon.finish()
	return err
}

func describe(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fault.ErrUserStopped) {
		return errors.New(fault.Reason(err))
	}
	return err
}

func newSendCmd(a *app) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "send <file-or-folder>...",
		Short: "Transfer files to the target computer",
		Long: `Opens a PowerShell console on the target through the device, installs a
small helper script, and types every file as verified Base64 lines.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := a.cfg.FileSettings()
			if err != nil {
				return err
			}
			mon := newMonitor(a.out)
			s, release, err := a.newSession(tf, func(o *session.Options) { o.OnStart = mon.start })
			if err != nil {
				return err
			}
			defer release()

			err = a.runControlled(cmd.Context(), s, mon, func(ctx context.Context) error {
				return s.SendFiles(ctx, settings, a.cfg.LineFormat(), args...)
			})
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transferred to %s\n", settings.TargetDir)
			return nil
		},
	}
	tf.bind(cmd, "emulate the target drive in this local directory")
	return cmd
}

func readText(arg string, stdin io.Reader) (string, error) {
	if arg == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(arg)
	return string(b), err
}

func newTextCmd(a *app) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "text <file|->",
		Short: "Type text into the focused window on the target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(args[0], cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading text: %w", err)
			}
			opts := a.cfg.TextOptions()
			mon := newMonitor(a.out)
			s, release, err := a.newSession(tf, func(o *session.Options) { o.OnStart = mon.start })
			if err != nil {
				return err
			}
			defer release()

			return describe(a.runControlled(cmd.Context(), s, mon, func(ctx context.Context) error {
				return s.SendText(ctx, opts, text)
			}))
		},
	}
	cmd.Flags().BoolVar(&tf.local, "local", false, "type on this machine instead of through the device")
	cmd.Flags().BoolVar(&tf.echo, "echo", false, "print the text the device would type instead of sending it")
	return cmd
}

func newEstimateCmd(a *app) *cobra.Command {
	var textMode bool
	cmd := &cobra.Command{
		Use:   "estimate <path>...",
		Short: "Estimate how long a transfer will take without a device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if textMode {
				var b strings.Builder
				for _, p := range args {
					t, err := readText(p, cmd.InOrStdin())
					if err != nil {
						return err
					}
					b.WriteString(t)
				}
				est := textflush.EstimateText(b.String(), a.cfg.TextOptions())
				fmt.Fprintf(out, "Text:        %s (%d keystrokes, %d mode switches, %d replaced)\n",
					job.FormatBytes(int64(est.Bytes)), est.Keystrokes, est.ModeSwitches, est.Replaced)
				fmt.Fprintf(out, "Packets:     %d\n", est.Chunks)
				fmt.Fprintf(out, "Estimate:    %s\n", job.FormatDuration(est.Duration))
				return nil
			}

			settings, err := a.cfg.FileSettings()
			if err != nil {
				return err
			}
			files, err := transfer.CollectFiles(args...)
			if err != nil {
				return err
			}
			plan := settings.Estimate(a.cfg.LineFormat(), files)
			fmt.Fprintf(out, "Files:       %d (%s)\n", plan.Files, job.FormatBytes(plan.TotalBytes))
			fmt.Fprintf(out, "Typed lines: %d\n", plan.WorkLines)
			fmt.Fprintf(out, "Target:      %s\n", settings.TargetDir)
			fmt.Fprintf(out, "Estimate:    %s\n", job.FormatDuration(plan.Duration))
			return nil
		},
	}
	cmd.Flags().BoolVar(&textMode, "text", false, "estimate typing the files as text instead of a file transfer")
	return cmd
}

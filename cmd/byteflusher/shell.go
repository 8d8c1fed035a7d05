package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/byteflusher/internal/config"
	"github.com/chaz8081/byteflusher/internal/history"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/session"
)

const shellHelp = `commands:
  send <path>...   transfer files or folders
  text <file>      type a text file
  pause | resume | stop
  status           connection and run progress
  connect | disconnect
  quit`

// shell is an interactive session. Config edits are picked up between
// runs; each run keeps the settings it started with.
type shell struct {
	a   *app
	s   *session.Session
	out io.Writer

	ctx  context.Context
	runs sync.WaitGroup
}

func newShellCmd(a *app) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session with a live config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := a.loader.Watch(); err != nil {
				slog.Warn("config hot reload disabled", "error", err)
			}
			defer a.loader.Close()
			a.loader.OnChange(func(*config.Config) {
				slog.Info("config changed, applies to the next run")
			})

			out := cmd.OutOrStdout()
			s, release, err := a.newSession(tf, func(o *session.Options) {
				o.OnStart = func(kind history.Kind, _ *job.Job) {
					fmt.Fprintf(out, "%s run started\n", kind)
				}
			})
			if err != nil {
				return err
			}
			defer release()

			sh := &shell{a: a, s: s, out: out, ctx: ctx}
			defer sh.shutdown()
			return sh.loop(ctx, cmd.InOrStdin())
		},
	}
	tf.bind(cmd, "emulate the target drive in this local directory")
	return cmd
}

func (sh *shell) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprintln(sh.out, "byteflusher shell; type help for commands")
	for {
		fmt.Fprint(sh.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(sh.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := sh.exec(strings.Fields(line)); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "help", "?":
		fmt.Fprintln(sh.out, shellHelp)
	case "quit", "exit":
		return true
	case "connect":
		sh.report(sh.s.Connect(sh.ctx))
	case "disconnect":
		sh.report(sh.s.Disconnect())
	case "pause":
		sh.control(sh.s.Pause())
	case "resume":
		sh.control(sh.s.Resume())
	case "stop":
		sh.control(sh.s.Stop())
	case "status":
		sh.status()
	case "send":
		if len(args) < 2 {
			fmt.Fprintln(sh.out, "usage: send <path>...")
			return false
		}
		sh.send(args[1:])
	case "text":
		if len(args) != 2 {
			fmt.Fprintln(sh.out, "usage: text <file>")
			return false
		}
		sh.text(args[1])
	default:
		fmt.Fprintf(sh.out, "unknown command %q; type help\n", args[0])
	}
	return false
}

func (sh *shell) report(err error) {
	if err != nil {
		fmt.Fprintln(sh.out, "error:", describe(err))
		return
	}
	fmt.Fprintln(sh.out, "ok")
}

func (sh *shell) control(active bool) {
	if !active {
		fmt.Fprintln(sh.out, "no active run")
	}
}

func (sh *shell) status() {
	fmt.Fprintf(sh.out, "state: %s", sh.s.State())
	if addr := sh.s.Address(); addr != "" {
		fmt.Fprintf(sh.out, " (%s, linked=%v)", addr, sh.s.Linked())
	}
	fmt.Fprintln(sh.out)
	if j := sh.s.Job(); j != nil {
		fmt.Fprintln(sh.out, job.Render(j.Snapshot()))
	}
}

// start runs fn in the background after connecting; the session itself
// rejects a second concurrent run.
func (sh *shell) start(fn func(ctx context.Context) error) {
	if err := sh.s.Connect(sh.ctx); err != nil {
		sh.report(err)
		return
	}
	sh.runs.Add(1)
	go func() {
		defer sh.runs.Done()
		err := fn(sh.ctx)
		if err != nil {
			fmt.Fprintln(sh.out, "\nrun ended:", describe(err))
			return
		}
		fmt.Fprintln(sh.out, "\nrun finished")
	}()
}

func (sh *shell) send(paths []string) {
	cfg := sh.a.loader.Config()
	settings, err := cfg.FileSettings()
	if err != nil {
		sh.report(err)
		return
	}
	format := cfg.LineFormat()
	sh.start(func(ctx context.Context) error {
		return sh.s.SendFiles(ctx, settings, format, paths...)
	})
}

func (sh *shell) text(path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		sh.report(err)
		return
	}
	text := string(b)
	opts := sh.a.loader.Config().TextOptions()
	sh.start(func(ctx context.Context) error {
		return sh.s.SendText(ctx, opts, text)
	})
}

// shutdown stops an active run and waits for its cleanup.
func (sh *shell) shutdown() {
	if sh.s.Stop() {
		fmt.Fprintln(sh.out, "stopping the active run...")
	}
	sh.runs.Wait()
}

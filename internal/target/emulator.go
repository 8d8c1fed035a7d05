// Package target emulates the target console: it interprets the lines the
// orchestrator types (launcher, helper calls, cleanup) against a local
// directory that stands in for the target's drives.
package target

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/psboot"
)

// Options configure an Emulator.
type Options struct {
	// Format is the guard format stripped from each typed line.
	Format psboot.LineFormat
	// DropLeading drops this many characters from the start of every
	// typed line, imitating keystrokes lost while the console gains focus.
	DropLeading int
}

// Emulator is a console stand-in. Windows paths like C:\dir\f map to
// <root>/C/dir/f. It is safe for concurrent use.
type Emulator struct {
	root string
	opts Options

	mu        sync.Mutex
	defining  string
	functions map[string]bool
	bootRoot  string
	bootPath  string
	helper    *psboot.HelperOptions
	out       string
	ready     []string
	lines     int
	errs      []error
	pending   error
}

// NewEmulator creates an emulator rooted at dir.
func NewEmulator(dir string, opts Options) *Emulator {
	if opts.Format == (psboot.LineFormat{}) {
		opts.Format = psboot.DefaultLineFormat()
	}
	return &Emulator{root: dir, opts: opts, functions: make(map[string]bool)}
}

var (
	winPath    = regexp.MustCompile(`^([A-Za-z]):\\(.*)$`)
	assignRoot = regexp.MustCompile(`^\$global:bf_root='((?:[^']|'')*)'$`)
	assignBoot = regexp.MustCompile(`^\$global:bf_bootPath=\(Join-Path \$global:bf_work '([^']+)'\)$`)
	readyLine  = regexp.MustCompile(`^Write-Host 'BF_READY_([^']*)'$`)
	removeDir  = regexp.MustCompile(`^Remove-Item -Force -Recurse -ErrorAction SilentlyContinue '((?:[^']|'')*)'$`)
	funcHeader = regexp.MustCompile(`^function (bf_\w+)\(.*\) \{$`)
)

// Path maps a Windows path to its local location under the root.
func (e *Emulator) Path(win string) (string, error) {
	m := winPath.FindStringSubmatch(win)
	if m == nil {
		return "", fmt.Errorf("target: %q is not an absolute drive path", win)
	}
	parts := []string{e.root, strings.ToUpper(m[1])}
	for _, p := range strings.Split(m[2], `\`) {
		switch p {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("target: %q escapes its drive", win)
		}
		parts = append(parts, p)
	}
	return filepath.Join(parts...), nil
}

// TypeLine interprets one typed line. Errors are what the console would
// print; they are also recorded for TakeError.
func (e *Emulator) TypeLine(typed string) error {
	if e.opts.DropLeading > 0 {
		typed = typed[min(e.opts.DropLeading, len(typed)):]
	}
	line := strings.TrimSpace(e.opts.Format.Strip(typed))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines++
	if line == "" {
		return nil
	}
	if err := e.exec(line); err != nil {
		slog.Debug("[TARGET] error", "line", truncate(line, 60), "error", err)
		e.errs = append(e.errs, err)
		if e.pending == nil {
			e.pending = err
		}
		return err
	}
	return nil
}

func (e *Emulator) exec(line string) error {
	if e.defining != "" {
		if line == "}" {
			e.functions[e.defining] = true
			e.defining = ""
		}
		return nil
	}
	if m := funcHeader.FindStringSubmatch(line); m != nil {
		e.defining = m[1]
		return nil
	}
	if m := assignRoot.FindStringSubmatch(line); m != nil {
		e.bootRoot = strings.ReplaceAll(m[1], "''", "'")
		return nil
	}
	if m := assignBoot.FindStringSubmatch(line); m != nil {
		if e.bootRoot == "" {
			return errors.New("target: $global:bf_work is not set")
		}
		e.bootPath = psboot.WorkDir(e.bootRoot) + `\` + m[1]
		return nil
	}
	if m := readyLine.FindStringSubmatch(line); m != nil {
		e.ready = append(e.ready, m[1])
		return nil
	}
	if m := removeDir.FindStringSubmatch(line); m != nil {
		p, err := e.Path(strings.ReplaceAll(m[1], "''", "'"))
		if err != nil {
			return err
		}
		_ = os.RemoveAll(p)
		return nil
	}
	if fn, args, ok := psboot.ParseCall(line); ok {
		return e.call(fn, args)
	}
	return e.launcherStatement(line)
}

// launcherStatement handles the launcher's fixed statements. Unknown
// input fails the way an unrecognized command does.
func (e *Emulator) launcherStatement(line string) error {
	switch {
	case line == "$ErrorActionPreference='Stop'",
		strings.HasPrefix(line, "[Console]::"),
		strings.HasPrefix(line, "$global:bf_work=(Join-Path $global:bf_root"):
		return nil
	case line == "New-Item -ItemType Directory -Force -Path $global:bf_work | Out-Null":
		if e.bootRoot == "" {
			return errors.New("target: $global:bf_work is not set")
		}
		return e.mkdir(psboot.WorkDir(e.bootRoot))
	case line == "Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_bootPath":
		if p, err := e.Path(e.bootPath); err == nil {
			_ = os.Remove(p)
		}
		return nil
	case strings.HasPrefix(line, "[IO.File]::WriteAllText($global:bf_bootPath,"):
		return e.writeFile(e.bootPath, nil, false)
	}
	return fmt.Errorf("target: the term %q is not recognized", truncate(line, 40))
}

func (e *Emulator) call(fn string, args []string) error {
	if !e.functions[fn] {
		return fmt.Errorf("target: the term %q is not recognized", fn)
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	switch fn {
	case psboot.FnBootAppend:
		return e.writeFile(e.bootPath, []byte(arg(0)), true)
	case psboot.FnBootRun:
		return e.bootRun()
	case psboot.FnPrepareOut:
		return e.prepareOut(arg(0))
	case psboot.FnTmpReset:
		p, err := e.Path(e.helper.TempPath)
		if err != nil {
			return err
		}
		_ = os.Remove(p)
		return e.writeFile(e.helper.TempPath, nil, false)
	case psboot.FnTmpAppend:
		return e.writeFile(e.helper.TempPath, []byte(arg(0)), true)
	case psboot.FnCommit:
		return e.commit(arg(0))
	case psboot.FnFinalize:
		e.finalize()
		return nil
	}
	return fmt.Errorf("target: the term %q is not recognized", fn)
}

func (e *Emulator) bootRun() error {
	p, err := e.Path(e.bootPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("target: read boot buffer: %w", err)
	}
	_ = os.Remove(p)
	script, err := psboot.DecodeUTF16Base64(string(raw))
	if err != nil {
		return fmt.Errorf("target: boot buffer: %w", err)
	}
	opts, err := psboot.ParseHelper(script)
	if err != nil {
		return fmt.Errorf("target: boot script: %w", err)
	}
	e.helper = &opts
	for _, fn := range []string{psboot.FnPrepareOut, psboot.FnTmpReset, psboot.FnTmpAppend, psboot.FnCommit, psboot.FnFinalize} {
		e.functions[fn] = true
	}
	if err := e.mkdir(opts.TargetDir); err != nil {
		return err
	}
	if err := e.mkdir(psboot.WorkDir(opts.TargetDir)); err != nil {
		return err
	}
	if opts.DiagLog {
		if p, err := e.Path(psboot.LogPath(opts.TargetDir)); err == nil {
			_ = os.Remove(p)
		}
	}
	return nil
}

func (e *Emulator) prepareOut(b64 string) error {
	out, err := psboot.DecodeUTF16Base64(b64)
	if err != nil {
		return err
	}
	e.out = out
	p, err := e.Path(out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if !exists(p) {
		return nil
	}
	switch e.helper.Policy {
	case psboot.PolicyOverwrite:
		return os.Remove(p)
	case psboot.PolicyBackup:
		bak := p + ".bak"
		for exists(bak) {
			bak += ".bak"
		}
		return os.Rename(p, bak)
	default:
		return fmt.Errorf("target: file exists: %s: %w", out, fault.ErrRemoteExists)
	}
}

func (e *Emulator) commit(expected string) (err error) {
	defer func() {
		if err != nil && e.helper.DiagLog {
			if p, perr := e.Path(psboot.LogPath(e.helper.TargetDir)); perr == nil {
				_ = os.WriteFile(p, []byte(err.Error()+"\n"), 0o644)
			}
		}
	}()
	if e.out == "" {
		return errors.New("target: bf_prepare_out_b64 was not called")
	}
	tmp, err := e.Path(e.helper.TempPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(tmp)
	if err != nil {
		return fmt.Errorf("target: read temp buffer: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(raw)), ""))
	if err != nil {
		return fmt.Errorf("target: decode temp buffer: %w", err)
	}
	out, err := e.Path(e.out)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != strings.ToLower(expected) {
		return fmt.Errorf("target: SHA256 mismatch: %s: %w", e.out, fault.ErrRemoteMismatch)
	}
	_ = os.Remove(tmp)
	return nil
}

func (e *Emulator) finalize() {
	for _, win := range []string{e.helper.TempPath, psboot.LogPath(e.helper.TargetDir)} {
		if p, err := e.Path(win); err == nil {
			_ = os.Remove(p)
		}
	}
	if p, err := e.Path(psboot.WorkDir(e.helper.TargetDir)); err == nil {
		_ = os.RemoveAll(p)
	}
}

func (e *Emulator) mkdir(win string) error {
	p, err := e.Path(win)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

func (e *Emulator) writeFile(win string, data []byte, appendTo bool) error {
	p, err := e.Path(win)
	if err != nil {
		return err
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(p, flag, 0o644)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("target: %w", err)
	}
	return f.Close()
}

// Ready returns the run tokens of the readiness markers seen so far.
func (e *Emulator) Ready() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ready...)
}

// Lines returns the number of lines typed so far, including empty ones.
func (e *Emulator) Lines() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lines
}

// Errors returns every error the console printed.
func (e *Emulator) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

// Bootstrapped reports whether bf_boot_run installed the helper.
func (e *Emulator) Bootstrapped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.helper != nil
}

// TakeError returns the first error not yet taken and clears it. The
// orchestrator uses it to observe remote failures in a dry run.
func (e *Emulator) TakeError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.pending
	e.pending = nil
	return err
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return !errors.Is(err, fs.ErrNotExist)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

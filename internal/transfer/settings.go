package transfer

import (
	"fmt"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/psboot"
)

// Settings are the file-mode timing and target options. Delays are in
// milliseconds.
type Settings struct {
	KeyDelayMs       int
	LineDelayMs      int
	CommandDelayMs   int
	ChunkChars       int
	ChunkDelayMs     int
	RunDialogDelayMs int
	PSLaunchDelayMs  int
	BootstrapDelayMs int

	TargetDir string
	Overwrite psboot.OverwritePolicy
	DiagLog   bool
	ToggleKey protocol.ToggleKey
}

// DefaultSettings returns the file-mode defaults.
func DefaultSettings() Settings {
	return Settings{
		KeyDelayMs:       10,
		LineDelayMs:      20,
		CommandDelayMs:   50,
		ChunkChars:       1200,
		ChunkDelayMs:     20,
		RunDialogDelayMs: 250,
		PSLaunchDelayMs:  1200,
		BootstrapDelayMs: 200,
		TargetDir:        `C:\byteflusher`,
		Overwrite:        psboot.PolicyFail,
		DiagLog:          true,
		ToggleKey:        protocol.ToggleRightAlt,
	}
}

func clamp(v, lo, hi int) int { return min(max(v, lo), hi) }

// Normalize clamps every delay into its supported range and trims the
// target directory. An empty overwrite policy becomes fail.
func (s Settings) Normalize() Settings {
	s.KeyDelayMs = clamp(s.KeyDelayMs, 10, 120)
	s.LineDelayMs = clamp(s.LineDelayMs, 20, 2000)
	s.CommandDelayMs = clamp(s.CommandDelayMs, 50, 4000)
	s.ChunkChars = clamp(s.ChunkChars, 200, 4000)
	s.ChunkDelayMs = clamp(s.ChunkDelayMs, 0, 2000)
	s.RunDialogDelayMs = clamp(s.RunDialogDelayMs, 100, 2000)
	s.PSLaunchDelayMs = clamp(s.PSLaunchDelayMs, 1200, 8000)
	s.BootstrapDelayMs = clamp(s.BootstrapDelayMs, 200, 3000)
	s.TargetDir = psboot.TrimTargetDir(s.TargetDir)
	if s.Overwrite == "" {
		s.Overwrite = psboot.PolicyFail
	}
	return s
}

// Validate rejects settings that clamping cannot repair.
func (s Settings) Validate() error {
	if err := psboot.ValidateTargetDir(s.TargetDir); err != nil {
		return err
	}
	if _, err := psboot.ParseOverwritePolicy(string(s.Overwrite)); err != nil {
		return err
	}
	if int(s.ToggleKey) > int(protocol.ToggleCapsLock) {
		return fmt.Errorf("transfer: toggle key %d: %w", s.ToggleKey, fault.ErrPrecondition)
	}
	return nil
}

// PerCharMs is the device time per typed character: one typing delay plus
// key down and key up.
func (s Settings) PerCharMs() int { return 3 * s.KeyDelayMs }

// DeviceConfig returns the device timing written for a file-mode run.
func (s Settings) DeviceConfig(paused, abort bool) protocol.DeviceConfig {
	return protocol.DeviceConfig{
		TypingDelayMs:     s.KeyDelayMs,
		ModeSwitchDelayMs: s.KeyDelayMs,
		KeyPressDelayMs:   s.KeyDelayMs,
		ToggleKey:         s.ToggleKey,
		Paused:            paused,
		Abort:             abort,
	}
}

// HelperOptions returns the helper script options for a run token.
func (s Settings) HelperOptions(token string) psboot.HelperOptions {
	return psboot.HelperOptions{
		TargetDir: s.TargetDir,
		TempPath:  psboot.TempPath(s.TargetDir, token),
		Policy:    s.Overwrite,
		DiagLog:   s.DiagLog,
	}
}

// Params returns the ETA model inputs for a run of files with token.
func (s Settings) Params(format psboot.LineFormat, token string, files []File) job.Params {
	sizes := make([]int64, len(files))
	for i, f := range files {
		sizes[i] = f.Size
	}
	return job.Params{
		PerCharMs:        s.PerCharMs(),
		LineDelayMs:      s.LineDelayMs,
		CommandDelayMs:   s.CommandDelayMs,
		ChunkChars:       s.ChunkChars,
		ChunkDelayMs:     s.ChunkDelayMs,
		RunDialogDelayMs: s.RunDialogDelayMs,
		PSLaunchDelayMs:  s.PSLaunchDelayMs,
		BootstrapDelayMs: s.BootstrapDelayMs,
		Format:           format,
		Token:            token,
		LauncherLines:    psboot.Launcher(s.TargetDir, token).Lines(),
		BootChunks:       len(psboot.BootChunks(s.HelperOptions(token))),
		FileSizes:        sizes,
	}
}

// Estimate returns the pre-start plan for files without a device.
func (s Settings) Estimate(format psboot.LineFormat, files []File) job.Plan {
	token := psboot.RunToken(timeNow())
	return job.Estimate(s.Params(format, token, files))
}

package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/psboot"
)

func TestNormalizeClamps(t *testing.T) {
	s := Settings{
		KeyDelayMs:       1,
		LineDelayMs:      99999,
		CommandDelayMs:   0,
		ChunkChars:       10,
		ChunkDelayMs:     -5,
		RunDialogDelayMs: 5000,
		PSLaunchDelayMs:  0,
		BootstrapDelayMs: 10000,
		TargetDir:        ` C:\out\\ `,
	}.Normalize()

	assert.Equal(t, 10, s.KeyDelayMs)
	assert.Equal(t, 2000, s.LineDelayMs)
	assert.Equal(t, 50, s.CommandDelayMs)
	assert.Equal(t, 200, s.ChunkChars)
	assert.Equal(t, 0, s.ChunkDelayMs)
	assert.Equal(t, 2000, s.RunDialogDelayMs)
	assert.Equal(t, 1200, s.PSLaunchDelayMs)
	assert.Equal(t, 3000, s.BootstrapDelayMs)
	assert.Equal(t, `C:\out`, s.TargetDir)
	assert.Equal(t, psboot.PolicyFail, s.Overwrite)
}

func TestDefaultSettingsAreNormal(t *testing.T) {
	d := DefaultSettings()
	assert.Equal(t, d, d.Normalize())
	assert.NoError(t, d.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"relative dir", func(s *Settings) { s.TargetDir = `out` }},
		{"space in dir", func(s *Settings) { s.TargetDir = `C:\my files` }},
		{"non-ascii dir", func(s *Settings) { s.TargetDir = `C:\파일` }},
		{"policy", func(s *Settings) { s.Overwrite = "merge" }},
		{"toggle key", func(s *Settings) { s.ToggleKey = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), fault.ErrPrecondition)
		})
	}
}

func TestDeviceConfigUsesKeyDelay(t *testing.T) {
	s := DefaultSettings()
	s.KeyDelayMs = 25
	s.ToggleKey = protocol.ToggleCapsLock
	cfg := s.DeviceConfig(true, false)
	assert.Equal(t, protocol.DeviceConfig{
		TypingDelayMs:     25,
		ModeSwitchDelayMs: 25,
		KeyPressDelayMs:   25,
		ToggleKey:         protocol.ToggleCapsLock,
		Paused:            true,
	}, cfg)
	assert.Equal(t, 75, s.PerCharMs())
}

func TestParamsMatchRunShape(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	t.Cleanup(func() { timeNow = time.Now })

	s := DefaultSettings()
	files := []File{{Rel: "a", Size: 3000}, {Rel: "b", Size: 0}}
	// Tokens of the same moment differ only in their random part, which
	// keeps the script length and so the boot chunk count.
	tok := psboot.RunToken(fixed)
	p := s.Params(psboot.DefaultLineFormat(), tok, files)

	assert.Equal(t, 30, p.PerCharMs)
	assert.Equal(t, []int64{3000, 0}, p.FileSizes)
	assert.Equal(t, psboot.Launcher(s.TargetDir, tok).Lines(), p.LauncherLines)
	assert.Equal(t, len(psboot.BootChunks(s.HelperOptions(tok))), p.BootChunks)

	plan := job.Estimate(p)
	assert.Equal(t, int64(3000), plan.TotalBytes)
	assert.Equal(t, 2, plan.Files)
	wantLines := 3 + 1 + len(p.LauncherLines) + p.BootChunks + 1 + (3 + 4) + 3 + 1
	assert.Equal(t, wantLines, plan.WorkLines)

	est := s.Estimate(psboot.DefaultLineFormat(), files)
	assert.Equal(t, plan.WorkLines, est.WorkLines)
	assert.Positive(t, est.Duration)
}

func TestHelperOptions(t *testing.T) {
	s := DefaultSettings()
	s.Overwrite = psboot.PolicyBackup
	h := s.HelperOptions("tok")
	assert.Equal(t, `C:\byteflusher\.tmp\bf_payload_tok.b64`, h.TempPath)
	assert.Equal(t, psboot.PolicyBackup, h.Policy)
	assert.True(t, h.DiagLog)
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "docs")
	writeFile(t, filepath.Join(src, "b.txt"), []byte("bb"))
	writeFile(t, filepath.Join(src, "nested", "deep", "c.txt"), []byte("c"))
	single := filepath.Join(dir, "single.bin")
	writeFile(t, single, []byte("1234"))

	files, err := CollectFiles(src, single)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "docs/b.txt", files[0].Rel)
	assert.Equal(t, "docs/nested/deep/c.txt", files[1].Rel)
	assert.Equal(t, "single.bin", files[2].Rel)
	assert.Equal(t, int64(4), files[2].Size)
	assert.Equal(t, `C:\t\docs\nested\deep\c.txt`, files[1].Out(`C:\t`))
}

func TestCollectFilesLimits(t *testing.T) {
	dir := t.TempDir()
	sparse := func(name string, size int64) string {
		p := filepath.Join(dir, name)
		f, err := os.Create(p)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(size))
		require.NoError(t, f.Close())
		return p
	}

	_, err := CollectFiles(sparse("huge.bin", MaxFileSize+1))
	assert.ErrorIs(t, err, fault.ErrPrecondition)

	var paths []string
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		paths = append(paths, sparse(n+".bin", 45<<20))
	}
	_, err = CollectFiles(paths...)
	assert.ErrorIs(t, err, fault.ErrPrecondition)

	_, err = CollectFiles(t.TempDir())
	assert.ErrorIs(t, err, fault.ErrPrecondition, "empty folder")

	_, err = CollectFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

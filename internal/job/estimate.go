package job

import (
	"strings"
	"time"

	"github.com/chaz8081/byteflusher/internal/keystroke"
	"github.com/chaz8081/byteflusher/internal/psboot"
)

// Fixed costs of the run that do not depend on settings.
const (
	escapeSettleMs   = 40
	englishSettleMs  = 50
	perFileComputeMs = 900
	// hashArgChars stands in for the prepare and commit arguments, whose
	// exact length is only known once the files are read.
	hashArgChars = 64
	warmupLines  = 3
)

// Params is everything the estimate depends on. Delays are milliseconds.
type Params struct {
	PerCharMs        int
	LineDelayMs      int
	CommandDelayMs   int
	ChunkChars       int
	ChunkDelayMs     int
	RunDialogDelayMs int
	PSLaunchDelayMs  int
	BootstrapDelayMs int

	Format        psboot.LineFormat
	Token         string
	LauncherLines []string
	BootChunks    int
	FileSizes     []int64
}

// Plan is the pre-run estimate a Job starts from.
type Plan struct {
	Duration   time.Duration
	WorkLines  int
	TotalBytes int64
	Files      int
}

// Base64Len returns the Base64 length of n bytes.
func Base64Len(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + 2) / 3 * 4
}

// ChunkLines returns the number of bf_tmp_append lines for a file of n bytes.
func ChunkLines(n int64, chunkChars int) int {
	if chunkChars <= 0 {
		return 0
	}
	return int((Base64Len(n) + int64(chunkChars) - 1) / int64(chunkChars))
}

// SettleMs is the extra wait after the console launches.
func SettleMs(commandDelayMs int) int {
	return min(max(commandDelayMs, 200), 2000)
}

// LineCostMs charges a typed line (guard + text + newline) at perCharMs
// per keystroke plus its post-line delay. Empty lines cost only the delay.
func (p Params) LineCostMs(line string, g psboot.Guard, delayMs int) int {
	delayMs = max(0, delayMs)
	if line == "" {
		return delayMs
	}
	typed := p.Format.PrefixLen(g) + int(keystroke.Estimate(line).Keystrokes) + 1
	return typed*max(0, p.PerCharMs) + delayMs
}

// Estimate simulates the line sequence of a run and returns its expected
// duration and work-line count.
func Estimate(p Params) Plan {
	plan := Plan{Files: len(p.FileSizes)}
	for _, n := range p.FileSizes {
		plan.TotalBytes += max(0, n)
	}

	perChar := max(0, p.PerCharMs)
	ms := 2*escapeSettleMs + p.RunDialogDelayMs + englishSettleMs
	ms += len(psboot.LaunchCommand)*perChar + p.PSLaunchDelayMs + SettleMs(p.CommandDelayMs)

	warm := max(p.LineDelayMs, p.CommandDelayMs)
	for range warmupLines {
		ms += p.LineCostMs("", psboot.GuardNone, warm)
	}
	ms += p.LineCostMs(psboot.ReadyLine(p.Token), psboot.GuardStrong, p.CommandDelayMs)

	for _, line := range p.LauncherLines {
		delay := p.LineDelayMs
		if psboot.IsStructural(line) {
			delay = p.CommandDelayMs
		}
		ms += p.LineCostMs(line, psboot.GuardStrong, delay)
	}

	bootLine := psboot.Call(psboot.FnBootAppend, strings.Repeat("x", psboot.BootChunkSize))
	for range p.BootChunks {
		ms += p.LineCostMs(bootLine, psboot.GuardNormal, p.LineDelayMs) + max(0, p.ChunkDelayMs)
	}
	ms += p.LineCostMs(psboot.FnBootRun, psboot.GuardStrong, p.CommandDelayMs) + p.BootstrapDelayMs

	hashArg := strings.Repeat("x", hashArgChars)
	appendLine := psboot.Call(psboot.FnTmpAppend, strings.Repeat("x", max(0, p.ChunkChars)))
	appendCost := p.LineCostMs(appendLine, psboot.GuardNormal, p.LineDelayMs) + max(0, p.ChunkDelayMs)
	dataLines := 0
	for _, n := range p.FileSizes {
		chunks := ChunkLines(n, p.ChunkChars)
		dataLines += 3 + chunks
		ms += p.LineCostMs(psboot.Call(psboot.FnPrepareOut, hashArg), psboot.GuardNormal, p.CommandDelayMs)
		ms += p.LineCostMs(psboot.FnTmpReset, psboot.GuardNormal, p.CommandDelayMs)
		ms += chunks * appendCost
		ms += perFileComputeMs
		ms += p.LineCostMs(psboot.Call(psboot.FnCommit, hashArg), psboot.GuardNormal, p.CommandDelayMs)
	}
	ms += p.LineCostMs(psboot.FnFinalize, psboot.GuardNormal, p.CommandDelayMs)

	plan.Duration = time.Duration(max(0, ms)) * time.Millisecond
	plan.WorkLines = warmupLines + 1 + len(p.LauncherLines) + p.BootChunks + 1 + dataLines + 1
	return plan
}

package job

import (
	"context"
	"fmt"
	"io"
	"time"
)

// RefreshInterval is how often a running job's progress is redrawn.
const RefreshInterval = 250 * time.Millisecond

// FormatDuration renders d as m:ss, or h:mm:ss from one hour up. Negative
// durations render as "-".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-"
	}
	total := int64(d / time.Second)
	h, m, s := total/3600, total/60%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatBytes renders n with a binary unit and two, one or zero decimals
// depending on magnitude.
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", max(0, n))
	}
	units := []string{"KB", "MB", "GB", "TB"}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	prec := 0
	switch {
	case v < 10:
		prec = 2
	case v < 100:
		prec = 1
	}
	return fmt.Sprintf("%.*f %s", prec, v, units[i])
}

// Render formats a snapshot as one status line.
func Render(s Snapshot) string {
	stage := s.Stage.String()
	if s.Paused {
		stage += " (paused)"
	}
	plus := ""
	if s.WorkDone > s.WorkTotal {
		plus = "+"
	}
	eta := FormatDuration(s.Remaining)
	if s.Stage.Terminal() {
		eta = FormatDuration(s.ETA)
	}
	return fmt.Sprintf("%-18s %5.1f%% (%d/%d%s lines) %s/%s  elapsed %s  eta %s",
		stage, s.Percent(), s.WorkDone, s.WorkTotal, plus,
		FormatBytes(s.SentBytes), FormatBytes(s.TotalBytes),
		FormatDuration(s.Elapsed), eta)
}

// Display redraws a job's progress. On a terminal the line is rewritten in
// place; otherwise a plain line is printed every few seconds.
type Display struct {
	W        io.Writer
	Terminal bool
	Interval time.Duration
}

// Run draws j every interval until ctx is done, then draws it one last time.
func (d Display) Run(ctx context.Context, j *Job) {
	interval := d.Interval
	if interval <= 0 {
		interval = RefreshInterval
	}
	logEvery := int(5 * time.Second / interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			d.draw(j.Snapshot(), true)
			return
		case <-ticker.C:
			tick++
			if d.Terminal || tick%max(1, logEvery) == 0 {
				d.draw(j.Snapshot(), false)
			}
		}
	}
}

func (d Display) draw(s Snapshot, final bool) {
	line := Render(s)
	switch {
	case d.Terminal && final:
		fmt.Fprintf(d.W, "\r\033[K%s\n", line)
	case d.Terminal:
		fmt.Fprintf(d.W, "\r\033[K%s", line)
	default:
		fmt.Fprintln(d.W, line)
	}
}

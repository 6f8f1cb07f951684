// Package termprogress renders conversion progress on a terminal.
package termprogress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/progress"

	"github.com/starford/vaultport/internal/pipeline"
)

// Bar draws a single self-overwriting progress line.
type Bar struct {
	out             io.Writer
	enabled         bool
	lastRenderWidth int
	bar             progress.Model
}

// New returns a Bar writing to out. It is disabled unless out is a terminal.
func New(out *os.File) *Bar {
	return newBar(out, isTerminal(out))
}

func newBar(out io.Writer, enabled bool) *Bar {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 36

	if cols, err := strconv.Atoi(strings.TrimSpace(os.Getenv("COLUMNS"))); err == nil && cols > 0 {
		bar.Width = min(max(cols-48, 16), 64)
	}

	return &Bar{out: out, enabled: enabled, bar: bar}
}

// Update renders ev.
func (b *Bar) Update(ev pipeline.Event) {
	if !b.enabled {
		return
	}
	b.render(line(b.bar, ev))
}

// Finish renders the terminal event and ends the line.
func (b *Bar) Finish(ev pipeline.Event) {
	if !b.enabled {
		return
	}
	b.render(line(b.bar, ev))
	fmt.Fprint(b.out, "\n")
	b.lastRenderWidth = 0
}

func line(bar progress.Model, ev pipeline.Event) string {
	counts := fmt.Sprintf("written %d, skipped %d, failed %d", ev.Written, ev.Skipped, ev.Failed)
	if ev.Remaining < 0 {
		return fmt.Sprintf("%-14s %d notes  %s", ev.Stage, ev.Processed, counts)
	}
	total := ev.Processed + ev.Remaining
	percent := 1.0
	if total > 0 {
		percent = float64(ev.Processed) / float64(total)
	}
	return fmt.Sprintf("%s %3.0f%% %d/%d %-14s %s", bar.ViewAs(percent), percent*100, ev.Processed, total, ev.Stage, counts)
}

func (b *Bar) render(s string) {
	pad := ""
	if b.lastRenderWidth > len(s) {
		pad = strings.Repeat(" ", b.lastRenderWidth-len(s))
	}
	fmt.Fprintf(b.out, "\r%s%s", s, pad)
	b.lastRenderWidth = len(s)
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb") {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

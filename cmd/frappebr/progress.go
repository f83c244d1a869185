package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/itsdave-de/frappebr/internal/br"
)

// progressPrinter renders transfer progress as one status line per artifact.
// Updates are throttled; the final update of an artifact always prints and
// ends its line.
type progressPrinter struct {
	w        io.Writer
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	done map[string]bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{
		w:        w,
		interval: 250 * time.Millisecond,
		last:     make(map[string]time.Time),
		done:     make(map[string]bool),
	}
}

func (pp *progressPrinter) OnProgress(p *br.Progress) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	name := p.Name()
	if pp.done[name] {
		return
	}
	finished := p.Total() > 0 && p.Transferred() >= p.Total()
	now := time.Now()
	if !finished && now.Sub(pp.last[name]) < pp.interval {
		return
	}
	pp.last[name] = now

	line := formatProgress(p)
	if finished {
		pp.done[name] = true
		fmt.Fprintf(pp.w, "\r%s\n", line)
		return
	}
	fmt.Fprintf(pp.w, "\r%s", line)
}

// formatProgress renders "name  45.2%  12 MB / 26 MB  3.4 MB/s  ETA 5s".
func formatProgress(p *br.Progress) string {
	line := fmt.Sprintf("%s  %5.1f%%  %s / %s", p.Name(), p.Percentage(),
		humanize.Bytes(uint64(p.Transferred())), humanize.Bytes(uint64(p.Total())))
	if rate := p.Throughput(); rate > 0 {
		line += fmt.Sprintf("  %s/s", humanize.Bytes(uint64(rate)))
	}
	if eta, ok := p.ETA(); ok && p.Transferred() < p.Total() {
		line += fmt.Sprintf("  ETA %s", eta.Round(time.Second))
	}
	return line
}

package utils

import (
	"github.com/sasha-s/go-deadlock"
	"github.com/schollz/progressbar/v3"

	"github.com/freemoses/tpro/core"
)

// PrgBar renders a terminal progress bar and fans progress out to optional
// callbacks, so the same counter drives both CLI output and event streams.
type PrgBar struct {
	bar    *progressbar.ProgressBar
	total  int
	done   int
	PrgCbs []core.PrgCB
	mu     deadlock.Mutex
}

func NewPrgBar(total int, title string) *PrgBar {
	return &PrgBar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription(title),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
		total: total,
	}
}

func (p *PrgBar) Add(num int) {
	p.mu.Lock()
	p.done += num
	if p.done > p.total {
		p.done = p.total
	}
	done, total, cbs := p.done, p.total, p.PrgCbs
	p.mu.Unlock()
	_ = p.bar.Add(num)
	for _, cb := range cbs {
		cb(done, total)
	}
}

func (p *PrgBar) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *PrgBar) Close() {
	_ = p.bar.Finish()
}

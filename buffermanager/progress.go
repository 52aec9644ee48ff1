package buffermanager

import (
	"log/slog"
	"time"
)

// Progress receives the advance of a long operation.
type Progress interface {
	Update(n int)
	End()
}

// ProgressFunc starts tracking an operation of total units.
type ProgressFunc func(description string, total int) Progress

// LogProgress reports progress through logger at every tenth of the total.
func LogProgress(logger *slog.Logger) ProgressFunc {
	return func(description string, total int) Progress {
		logger.Info(description, "total", total)
		return &logProgress{logger: logger, description: description, total: total, start: time.Now()}
	}
}

type logProgress struct {
	logger      *slog.Logger
	description string
	total       int
	done        int
	step        int
	start       time.Time
}

func (p *logProgress) Update(n int) {
	p.done += n
	if p.total <= 0 {
		return
	}
	if step := p.done * 10 / p.total; step > p.step && step < 10 {
		p.step = step
		p.logger.Debug(p.description, "done", p.done, "total", p.total, "percent", step*10)
	}
}

func (p *logProgress) End() {
	p.logger.Info(p.description+" complete", "done", p.done, "total", p.total,
		"elapsed", time.Since(p.start).Round(time.Millisecond))
}

package repair

import (
	"io"
	"sync"

	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Progress receives one bar's worth of events per parallel step of a pass.
// Increment may be called from any worker.
type Progress interface {
	Start(name string, total int64)
	Increment()
	Finish()
}

// Bars draws progress as terminal bars, one per step.
type Bars struct {
	p   *mpb.Progress
	mu  sync.Mutex
	bar *mpb.Bar
}

func NewBars(w io.Writer) *Bars {
	return &Bars{
		p: mpb.New(mpb.WithOutput(w), mpb.WithWidth(40)),
	}
}

func (b *Bars) Start(name string, total int64) {

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bar = b.p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DidentRight}),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d / %d AGs "),
			decor.Percentage(),
		),
	)

}

func (b *Bars) Increment() {
	b.mu.Lock()
	bar := b.bar
	b.mu.Unlock()
	if bar != nil {
		bar.Increment()
	}
}

// Finish completes the current bar even if a step stopped early.
func (b *Bars) Finish() {

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar != nil && !b.bar.Completed() {
		b.bar.SetTotal(b.bar.Current(), true)
	}
	b.bar = nil

}

// Wait flushes the bars. No bar may be started afterwards.
func (b *Bars) Wait() {
	b.p.Wait()
}

package segment

import (
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Bar is a terminal progress bar over a fixed number of jobs.
type Bar struct {
	p    *mpb.Progress
	bar  *mpb.Bar
	last time.Time
}

// NewBar draws a bar for total jobs on w.
func NewBar(w io.Writer, name string, total int) *Bar {
	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(48), mpb.WithRefreshRate(150*time.Millisecond))
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name, decor.WCSyncSpaceR),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
			decor.EwmaETA(decor.ET_STYLE_GO, 30, decor.WCSyncWidth),
		),
	)
	return &Bar{p: p, bar: bar, last: time.Now()}
}

// Increment is called from the collecting goroutine only.
func (b *Bar) Increment(r Result) {
	now := time.Now()
	b.bar.EwmaIncrInt64(1, now.Sub(b.last))
	b.last = now
}

func (b *Bar) Done() {
	if !b.bar.Completed() {
		b.bar.Abort(false)
	}
	b.p.Wait()
}

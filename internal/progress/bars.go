// Package progress renders transfer progress on a terminal.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sheerbytes/peerdrop/internal/notify"
)

// Bars draws one progress bar per transfer. It implements the transfer
// engine's progress reporter and consumes notify events so incoming files
// get a bar as soon as they are announced.
type Bars struct {
	w        io.Writer
	throttle time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	bar   *progressbar.ProgressBar
	meter *Meter
	done  bool
}

// NewBars returns a renderer writing to w.
func NewBars(w io.Writer) *Bars {
	return &Bars{
		w:        w,
		throttle: 65 * time.Millisecond,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

func (b *Bars) entryLocked(id string) *entry {
	e, ok := b.entries[id]
	if !ok {
		e = &entry{meter: NewMeterWithNow(b.now)}
		e.meter.Start(0)
		b.entries[id] = e
	}
	return e
}

// Track starts a bar for a transfer of size bytes labelled label.
func (b *Bars) Track(id, label string, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(id)
	e.meter.SetTotal(size)
	if e.bar != nil || e.done || size <= 0 {
		return
	}
	e.bar = progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(b.throttle),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(b.w) }),
	)
	if done := e.meter.Snapshot().BytesDone; done > 0 {
		e.bar.Set64(done)
	}
}

// ReportProgress advances the bar of transferID.
func (b *Bars) ReportProgress(transferID string, percent int, bytesTransferred int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(transferID)
	e.meter.Update(bytesTransferred, percent)
	if e.bar == nil || e.done {
		return
	}
	e.bar.Set64(bytesTransferred)
}

// Notify implements notify.Notifier.
func (b *Bars) Notify(ev notify.Event) {
	switch ev.Kind {
	case notify.IncomingFile:
		b.Track(ev.TransferID, fmt.Sprintf("%s <- %s", ev.FileName, ev.Peer), ev.Size)
	case notify.TransferComplete, notify.FileReady:
		b.finish(ev.TransferID, false)
	case notify.TransferError:
		b.finish(ev.TransferID, true)
	}
}

func (b *Bars) finish(id string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok || e.done {
		return
	}
	e.done = true
	if e.bar == nil {
		return
	}
	if failed {
		e.bar.Exit()
		fmt.Fprintln(b.w)
		return
	}
	e.bar.Finish()
}

// Stats returns the progress of a tracked transfer.
func (b *Bars) Stats(id string) (Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return Stats{}, false
	}
	return e.meter.Snapshot(), true
}

// Forget drops a finished transfer.
func (b *Bars) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

package notify

import (
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Terminal prints events as colored one-line notices.
type Terminal struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time

	info *color.Color
	good *color.Color
	warn *color.Color
	bad  *color.Color
	dim  *color.Color
}

// NewTerminal writes notices to w. Colors follow color.NoColor, which is
// set automatically when w is not a terminal.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{
		w:    w,
		now:  time.Now,
		info: color.New(color.FgCyan),
		good: color.New(color.FgGreen, color.Bold),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed, color.Bold),
		dim:  color.New(color.Faint),
	}
}

// Notify implements Notifier.
func (t *Terminal) Notify(e Event) {
	ts := e.Time
	if ts.IsZero() {
		ts = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dim.Fprintf(t.w, "%s ", ts.Format("15:04:05"))
	t.colorFor(e.Kind).Fprintln(t.w, e.String())
}

func (t *Terminal) colorFor(k Kind) *color.Color {
	switch k {
	case FileReady, TransferComplete, Registered, Connected:
		return t.good
	case Disconnected, IncomingFile:
		return t.warn
	case RegistrationFailed, TransferError, RelayError:
		return t.bad
	default:
		return t.info
	}
}

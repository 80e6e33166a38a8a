// Package notify carries user-facing events out of the endpoint.
package notify

import (
	"fmt"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	Connected          Kind = "connected"
	Disconnected       Kind = "disconnected"
	Registered         Kind = "registered"
	RegistrationFailed Kind = "registration_failed"
	Roster             Kind = "roster"
	IncomingFile       Kind = "incoming_file"
	TransferComplete   Kind = "transfer_complete"
	FileReady          Kind = "file_ready"
	TransferError      Kind = "transfer_error"
	RelayError         Kind = "relay_error"
)

// Event is a user-visible notice. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind
	Time       time.Time
	Peer       string
	TransferID string
	FileName   string
	Size       int64
	Users      []string
	Message    string
	Err        error
}

// String renders the event as one line of text.
func (e Event) String() string {
	switch e.Kind {
	case Connected:
		return "connected to relay"
	case Disconnected:
		if e.Err != nil {
			return fmt.Sprintf("disconnected from relay: %v", e.Err)
		}
		return "disconnected from relay"
	case Registered:
		return fmt.Sprintf("registered as %q", e.Peer)
	case RegistrationFailed:
		return fmt.Sprintf("registration failed: %s", e.Message)
	case Roster:
		return fmt.Sprintf("online: %v", e.Users)
	case IncomingFile:
		return fmt.Sprintf("incoming %s (%d bytes) from %s", e.FileName, e.Size, e.Peer)
	case TransferComplete:
		return fmt.Sprintf("sent %s to %s", e.FileName, e.Peer)
	case FileReady:
		return fmt.Sprintf("received %s from %s", e.FileName, e.Peer)
	case TransferError:
		msg := e.Message
		if msg == "" && e.Err != nil {
			msg = e.Err.Error()
		}
		if e.FileName != "" {
			return fmt.Sprintf("transfer of %s failed: %s", e.FileName, msg)
		}
		return fmt.Sprintf("transfer %s failed: %s", e.TransferID, msg)
	case RelayError:
		return fmt.Sprintf("relay: %s", e.Message)
	default:
		return string(e.Kind)
	}
}

// Notifier receives events. Implementations must not block for long.
type Notifier interface {
	Notify(Event)
}

// Func adapts a function to Notifier.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Discard drops every event.
var Discard Notifier = Func(func(Event) {})

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}

// Recorder keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

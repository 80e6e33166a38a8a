// Package transfer moves files between peers as announce, chunk and
// end-of-stream messages over a transport.Transport.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sheerbytes/peerdrop/internal/transport"
)

var (
	// ErrOversizeRejected is returned when an announcement exceeds the size limit.
	ErrOversizeRejected = errors.New("transfer exceeds maximum size")
	// ErrTransferFailed marks a transfer that could not be completed.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrDuplicateTransfer is returned when an id is already active or retired.
	ErrDuplicateTransfer = errors.New("duplicate transfer id")
	// ErrUnknownTransfer is returned for ids that are not active.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrCancelled marks a transfer cancelled by either side.
	ErrCancelled = errors.New("transfer cancelled")
)

// Status is the lifecycle state of a transfer.
type Status int

const (
	StatusPending Status = iota
	StatusAnnounced
	StatusStreaming
	StatusCompleting
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAnnounced:
		return "announced"
	case StatusStreaming:
		return "streaming"
	case StatusCompleting:
		return "completing"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Role says which side of a transfer this endpoint plays.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Transfer is one file moving between two peers.
type Transfer struct {
	ID        string
	Role      Role
	Peer      string
	FileName  string
	MimeType  string
	Size      int64
	Mode      transport.Mode
	CreatedAt time.Time

	mu       sync.Mutex
	via      transport.Transport
	status   Status
	covered  RangeSet
	chunks   map[int64][]byte
	percent  int
	err      error
	cancel   context.CancelFunc
	finished chan struct{}
}

func newTransfer(id string, role Role) *Transfer {
	return &Transfer{
		ID:        id,
		Role:      role,
		CreatedAt: time.Now(),
		finished:  make(chan struct{}),
	}
}

// Info is a point-in-time view of a transfer.
type Info struct {
	ID               string
	Role             Role
	Peer             string
	FileName         string
	MimeType         string
	Size             int64
	Mode             transport.Mode
	Status           Status
	BytesTransferred int64
	Percent          int
	Err              error
	CreatedAt        time.Time
}

// Transport returns the transport t runs over, or nil before it has one.
func (t *Transfer) Transport() transport.Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.via
}

// Info returns a snapshot of t.
func (t *Transfer) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:               t.ID,
		Role:             t.Role,
		Peer:             t.Peer,
		FileName:         t.FileName,
		MimeType:         t.MimeType,
		Size:             t.Size,
		Mode:             t.Mode,
		Status:           t.status,
		BytesTransferred: t.covered.Covered(),
		Percent:          t.percent,
		Err:              t.err,
		CreatedAt:        t.CreatedAt,
	}
}

// Status returns the current state.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the failure reason once the transfer has failed.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} {
	return t.finished
}

// Wait blocks until the transfer finishes and returns its failure, if any.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.finished:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Percent computes floor(100*covered/size). An empty file is always 100.
func Percent(covered, size int64) int {
	if size <= 0 {
		return 100
	}
	if covered >= size {
		return 100
	}
	return int(covered * 100 / size)
}

// finishLocked moves t into a terminal state. Caller holds t.mu.
func (t *Transfer) finishLocked(status Status, err error) bool {
	if t.status.Terminal() {
		return false
	}
	t.status = status
	t.err = err
	t.chunks = nil
	if t.cancel != nil {
		t.cancel()
	}
	close(t.finished)
	return true
}

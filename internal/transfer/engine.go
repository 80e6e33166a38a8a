package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/peerdrop/internal/notify"
	"github.com/sheerbytes/peerdrop/internal/transport"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

const (
	DefaultDirectChunkSize  = 16 << 10
	DefaultRelayedChunkSize = 256 << 10
	DefaultMaxTransferSize  = 1 << 30

	cancelSendTimeout = 5 * time.Second
)

// Metadata describes a received file handed to a Persister.
type Metadata struct {
	TransferID string
	FileName   string
	MimeType   string
	Size       int64
	Sender     string
	Mode       transport.Mode
	ReceivedAt time.Time
}

// Persister stores a fully received file.
type Persister interface {
	Persist(ctx context.Context, transferID string, data []byte, meta Metadata) error
}

// ProgressReporter observes per-chunk progress.
type ProgressReporter interface {
	ReportProgress(transferID string, percent int, bytesTransferred int64)
}

type noProgress struct{}

func (noProgress) ReportProgress(string, int, int64) {}

// Config configures an Engine.
type Config struct {
	MaxTransferSize  int64
	DirectChunkSize  int
	RelayedChunkSize int
	RetiredTTL       time.Duration

	Persister Persister
	Progress  ProgressReporter
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// Engine runs both sides of file transfers. One Engine serves all peers of
// an endpoint; per-transfer state is guarded by each Transfer's own lock.
type Engine struct {
	cfg    Config
	reg    *Registry
	logger *slog.Logger
}

// NewEngine applies defaults to cfg and returns an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxTransferSize <= 0 {
		cfg.MaxTransferSize = DefaultMaxTransferSize
	}
	if cfg.DirectChunkSize <= 0 {
		cfg.DirectChunkSize = DefaultDirectChunkSize
	}
	if cfg.RelayedChunkSize <= 0 {
		cfg.RelayedChunkSize = DefaultRelayedChunkSize
	}
	if cfg.Progress == nil {
		cfg.Progress = noProgress{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		reg:    NewRegistry(cfg.RetiredTTL),
		logger: cfg.Logger,
	}
}

// Registry exposes the engine's transfers for inspection.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// ChunkSize returns the chunk size used for mode.
func (e *Engine) ChunkSize(mode transport.Mode) int {
	if mode == transport.Direct {
		return e.cfg.DirectChunkSize
	}
	return e.cfg.RelayedChunkSize
}

// Outgoing describes a file to send.
type Outgoing struct {
	// ID is generated when empty.
	ID       string
	Peer     string
	FileName string
	MimeType string
	Size     int64
}

// Begin registers an outgoing transfer in the pending state, before a
// transport to the peer is available.
func (e *Engine) Begin(out Outgoing) (*Transfer, error) {
	if out.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrTransferFailed, out.Size)
	}
	if out.Peer == "" {
		return nil, fmt.Errorf("%w: no recipient", ErrTransferFailed)
	}
	id := out.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := newTransfer(id, RoleSender)
	t.Peer = out.Peer
	t.FileName = out.FileName
	t.MimeType = out.MimeType
	t.Size = out.Size
	if err := e.reg.add(t); err != nil {
		return nil, err
	}
	e.logger.Debug("transfer registered", "transfer_id", id, "peer", out.Peer, "file", out.FileName, "size", out.Size)
	return t, nil
}

// Send announces t on tr and streams its bytes from src, then sends the
// end-of-stream marker. It blocks until the transfer finishes. src must
// yield at least t.Size bytes; extra bytes are not read.
func (e *Engine) Send(ctx context.Context, tr transport.Transport, t *Transfer, src io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.status != StatusPending {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: transfer %s is %s", ErrTransferFailed, t.ID, status)
	}
	t.cancel = cancel
	t.Mode = tr.Mode()
	t.via = tr
	t.mu.Unlock()

	if err := e.stream(ctx, tr, t, src); err != nil {
		if !e.fail(t, err) {
			// Already failed elsewhere, usually a cancel.
			return t.Err()
		}
		if !errors.Is(err, transport.ErrTransportClosed) {
			e.sendCancel(tr, t.ID, err.Error())
		}
		return err
	}
	return nil
}

func (e *Engine) stream(ctx context.Context, tr transport.Transport, t *Transfer, src io.Reader) error {
	logger := e.logger.With("transfer_id", t.ID, "peer", t.Peer, "mode", tr.Mode())

	announce := &protocol.FileMetadata{
		File:         protocol.FileInfo{Name: t.FileName, Size: t.Size, Type: t.MimeType},
		TransferMode: string(tr.Mode()),
		TransferID:   t.ID,
	}
	if err := tr.Send(ctx, announce); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	if !e.transition(t, StatusAnnounced) {
		return t.Err()
	}
	logger.Info("transfer announced", "file", t.FileName, "size", t.Size)

	if t.Size == 0 {
		e.cfg.Progress.ReportProgress(t.ID, 100, 0)
		e.complete(t)
		return nil
	}
	if !e.transition(t, StatusStreaming) {
		return t.Err()
	}

	chunkSize := e.ChunkSize(tr.Mode())
	pool := chunkPoolFor(chunkSize)
	buf := pool.Get()
	defer pool.Put(buf)

	for offset := int64(0); offset < t.Size; {
		if err := transport.WaitWritable(ctx, tr); err != nil {
			return err
		}
		n := min(int64(chunkSize), t.Size-offset)
		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return fmt.Errorf("%w: read source at offset %d: %v", ErrTransferFailed, offset, err)
		}
		chunk := &protocol.FileChunk{
			File: protocol.ChunkInfo{
				Name:   t.FileName,
				Size:   t.Size,
				Offset: offset,
				Data:   buf[:n],
			},
			TransferID: t.ID,
		}
		if err := tr.Send(ctx, chunk); err != nil {
			return fmt.Errorf("send chunk at offset %d: %w", offset, err)
		}
		e.advance(t, offset, offset+n)
		offset += n
	}

	if err := tr.Send(ctx, &protocol.FileComplete{FileName: t.FileName, TransferID: t.ID}); err != nil {
		return fmt.Errorf("send end of stream: %w", err)
	}
	if !e.transition(t, StatusCompleting) {
		return t.Err()
	}
	if err := transport.Flush(ctx, tr); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	logger.Info("transfer sent")
	e.complete(t)
	return nil
}

// advance records [start, end) as transferred and reports progress.
func (e *Engine) advance(t *Transfer, start, end int64) {
	t.mu.Lock()
	t.covered.Add(start, end)
	covered := t.covered.Covered()
	t.percent = Percent(covered, t.Size)
	percent := t.percent
	t.mu.Unlock()
	e.cfg.Progress.ReportProgress(t.ID, percent, covered)
}

// transition moves t to a non-terminal status. It fails if t already finished.
func (e *Engine) transition(t *Transfer, s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = s
	return true
}

func (e *Engine) complete(t *Transfer) bool {
	t.mu.Lock()
	t.percent = 100
	ok := t.finishLocked(StatusComplete, nil)
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.reg.retire(t.ID)
	kind := notify.TransferComplete
	if t.Role == RoleReceiver {
		kind = notify.FileReady
	}
	e.cfg.Notifier.Notify(notify.Event{
		Kind:       kind,
		Time:       time.Now(),
		Peer:       t.Peer,
		TransferID: t.ID,
		FileName:   t.FileName,
		Size:       t.Size,
	})
	return true
}

// fail moves t to Failed, releases its buffers and tombstones its id.
// It returns false if t had already finished.
func (e *Engine) fail(t *Transfer, err error) bool {
	t.mu.Lock()
	ok := t.finishLocked(StatusFailed, err)
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.reg.retire(t.ID)
	e.logger.Warn("transfer failed", "transfer_id", t.ID, "peer", t.Peer, "role", t.Role, "error", err)
	e.cfg.Notifier.Notify(notify.Event{
		Kind:       notify.TransferError,
		Time:       time.Now(),
		Peer:       t.Peer,
		TransferID: t.ID,
		FileName:   t.FileName,
		Err:        err,
	})
	return true
}

// Fail fails an active transfer locally without telling the peer. It is
// used when no transport to the peer could be established.
func (e *Engine) Fail(id string, err error) error {
	t, ok := e.reg.Get(id)
	if !ok {
		return ErrUnknownTransfer
	}
	e.fail(t, err)
	return nil
}

// FailPeer fails every active transfer with peer, typically after its
// transport went away.
func (e *Engine) FailPeer(peer string, err error) int {
	n := 0
	for _, t := range e.reg.forPeer(peer) {
		if e.fail(t, err) {
			n++
		}
	}
	return n
}

// FailTransport fails the active transfers running over tr. Transfers with
// the same peer on another transport are left alone.
func (e *Engine) FailTransport(tr transport.Transport, err error) int {
	n := 0
	for _, t := range e.reg.forPeer(tr.Peer()) {
		if t.Transport() == tr && e.fail(t, err) {
			n++
		}
	}
	return n
}

// Cancel aborts an active transfer and, when tr is not nil, tells the peer.
func (e *Engine) Cancel(ctx context.Context, tr transport.Transport, id, reason string) error {
	t, ok := e.reg.Get(id)
	if !ok {
		return ErrUnknownTransfer
	}
	if reason == "" {
		reason = "cancelled"
	}
	if !e.fail(t, fmt.Errorf("%w: %s", ErrCancelled, reason)) {
		return nil
	}
	if tr != nil {
		err := tr.Send(ctx, &protocol.FileCancel{TransferID: id, Message: reason})
		if err != nil {
			return fmt.Errorf("notify peer of cancel: %w", err)
		}
	}
	return nil
}

func (e *Engine) sendCancel(tr transport.Transport, id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
	defer cancel()
	if err := tr.Send(ctx, &protocol.FileCancel{TransferID: id, Message: reason}); err != nil {
		e.logger.Debug("failed to send cancel", "transfer_id", id, "error", err)
	}
}

// Handle processes one transfer message received from tr. Messages for
// unknown or finished transfers are ignored.
func (e *Engine) Handle(ctx context.Context, tr transport.Transport, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.FileMetadata:
		return e.handleAnnounce(ctx, tr, m)
	case *protocol.FileChunk:
		return e.handleChunk(ctx, tr, m)
	case *protocol.FileComplete:
		return e.handleComplete(ctx, m, peerOf(tr, m.From()))
	case *protocol.FileCancel:
		e.handleCancel(m, peerOf(tr, m.From()))
		return nil
	default:
		return nil
	}
}

func peerOf(tr transport.Transport, from string) string {
	if from != "" {
		return from
	}
	return tr.Peer()
}

// lookup returns the active transfer id exchanged with peer.
func (e *Engine) lookup(id, peer string) (*Transfer, bool) {
	t, ok := e.reg.Get(id)
	if !ok || t.Peer != peer {
		return nil, false
	}
	return t, true
}

func (e *Engine) handleAnnounce(ctx context.Context, tr transport.Transport, m *protocol.FileMetadata) error {
	peer := peerOf(tr, m.From())
	logger := e.logger.With("transfer_id", m.TransferID, "peer", peer)

	if _, ok := e.reg.Get(m.TransferID); ok || e.reg.Retired(m.TransferID) {
		logger.Debug("ignoring repeated announcement")
		return nil
	}
	if m.File.Size > e.cfg.MaxTransferSize {
		e.reg.retire(m.TransferID)
		logger.Warn("rejecting oversize transfer", "size", m.File.Size, "max", e.cfg.MaxTransferSize)
		err := fmt.Errorf("%w: %d bytes (max %d)", ErrOversizeRejected, m.File.Size, e.cfg.MaxTransferSize)
		e.cfg.Notifier.Notify(notify.Event{
			Kind:       notify.TransferError,
			Time:       time.Now(),
			Peer:       peer,
			TransferID: m.TransferID,
			FileName:   m.File.Name,
			Size:       m.File.Size,
			Err:        err,
		})
		if sendErr := tr.Send(ctx, &protocol.FileCancel{TransferID: m.TransferID, Message: "file exceeds maximum size"}); sendErr != nil {
			logger.Debug("failed to send cancel", "error", sendErr)
		}
		return err
	}

	mode, ok := transport.ParseMode(m.TransferMode)
	if !ok {
		mode = tr.Mode()
	}
	t := newTransfer(m.TransferID, RoleReceiver)
	t.Peer = peer
	t.FileName = m.File.Name
	t.MimeType = m.File.Type
	t.Size = m.File.Size
	t.Mode = mode
	t.via = tr
	t.status = StatusAnnounced
	t.chunks = make(map[int64][]byte)
	if err := e.reg.add(t); err != nil {
		logger.Debug("ignoring repeated announcement")
		return nil
	}
	logger.Info("incoming transfer", "file", t.FileName, "size", t.Size, "mode", mode)
	e.cfg.Notifier.Notify(notify.Event{
		Kind:       notify.IncomingFile,
		Time:       time.Now(),
		Peer:       peer,
		TransferID: t.ID,
		FileName:   t.FileName,
		Size:       t.Size,
	})

	if t.Size == 0 {
		t.mu.Lock()
		t.status = StatusCompleting
		t.percent = 100
		t.mu.Unlock()
		e.cfg.Progress.ReportProgress(t.ID, 100, 0)
		return e.finalize(ctx, t, nil)
	}
	return nil
}

func (e *Engine) handleChunk(ctx context.Context, tr transport.Transport, m *protocol.FileChunk) error {
	t, ok := e.lookup(m.TransferID, peerOf(tr, m.From()))
	if !ok {
		return nil
	}
	start := m.File.Offset
	n := int64(len(m.File.Data))

	t.mu.Lock()
	if t.status != StatusAnnounced && t.status != StatusStreaming {
		t.mu.Unlock()
		return nil
	}
	// Compared without computing start+n, which can overflow.
	if start < 0 || start > t.Size || n > t.Size-start {
		t.mu.Unlock()
		err := fmt.Errorf("%w: chunk of %d bytes at offset %d outside file of %d bytes", ErrTransferFailed, n, start, t.Size)
		if e.fail(t, err) {
			e.sendCancel(tr, t.ID, "invalid chunk")
		}
		return err
	}
	end := start + n
	t.status = StatusStreaming
	if prev, ok := t.chunks[start]; !ok || len(prev) < len(m.File.Data) {
		t.chunks[start] = m.File.Data
	}
	t.covered.Add(start, end)
	covered := t.covered.Covered()
	t.percent = Percent(covered, t.Size)
	percent := t.percent
	var chunks map[int64][]byte
	if t.covered.Covers(0, t.Size) {
		t.status = StatusCompleting
		chunks = t.chunks
	}
	t.mu.Unlock()

	e.cfg.Progress.ReportProgress(t.ID, percent, covered)
	if chunks != nil {
		return e.finalize(ctx, t, chunks)
	}
	return nil
}

func (e *Engine) handleComplete(ctx context.Context, m *protocol.FileComplete, peer string) error {
	t, ok := e.lookup(m.TransferID, peer)
	if !ok {
		return nil
	}
	t.mu.Lock()
	if t.status != StatusAnnounced && t.status != StatusStreaming {
		t.mu.Unlock()
		return nil
	}
	if !t.covered.Covers(0, t.Size) {
		covered := t.covered.Covered()
		t.mu.Unlock()
		err := fmt.Errorf("%w: end of stream after %d of %d bytes", ErrTransferFailed, covered, t.Size)
		e.fail(t, err)
		return err
	}
	t.status = StatusCompleting
	chunks := t.chunks
	t.mu.Unlock()
	return e.finalize(ctx, t, chunks)
}

func (e *Engine) handleCancel(m *protocol.FileCancel, peer string) {
	t, ok := e.lookup(m.TransferID, peer)
	if !ok {
		return
	}
	reason := m.Message
	if reason == "" {
		reason = "cancelled"
	}
	e.fail(t, fmt.Errorf("%w by %s: %s", ErrCancelled, peer, reason))
}

// finalize assembles the received chunks and hands them to the Persister.
func (e *Engine) finalize(ctx context.Context, t *Transfer, chunks map[int64][]byte) error {
	data := make([]byte, t.Size)
	for off, c := range chunks {
		copy(data[off:], c)
	}
	if e.cfg.Persister != nil {
		meta := Metadata{
			TransferID: t.ID,
			FileName:   t.FileName,
			MimeType:   t.MimeType,
			Size:       t.Size,
			Sender:     t.Peer,
			Mode:       t.Mode,
			ReceivedAt: time.Now(),
		}
		if err := e.cfg.Persister.Persist(ctx, t.ID, data, meta); err != nil {
			err = fmt.Errorf("%w: persist: %v", ErrTransferFailed, err)
			e.fail(t, err)
			return err
		}
	}
	if e.complete(t) {
		e.logger.Info("transfer received", "transfer_id", t.ID, "peer", t.Peer, "file", t.FileName, "size", t.Size)
	}
	return nil
}

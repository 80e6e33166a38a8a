package negotiate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// fakeNet pairs fake peer connections by owner name. Two connections link
// once each has both descriptions and at least one remote candidate.
type fakeNet struct {
	mu  sync.Mutex
	pcs map[string]*fakePC
	seq atomic.Int64
}

func newFakeNet() *fakeNet {
	return &fakeNet{pcs: make(map[string]*fakePC)}
}

func (fn *fakeNet) factory(owner string) func() (PeerConn, error) {
	return func() (PeerConn, error) {
		pc := &fakePC{net: fn, owner: owner}
		fn.mu.Lock()
		fn.pcs[owner] = pc
		fn.mu.Unlock()
		return pc, nil
	}
}

func (fn *fakeNet) lookup(owner string) *fakePC {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.pcs[owner]
}

type fakePC struct {
	net   *fakeNet
	owner string

	mu       sync.Mutex
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	added    []webrtc.ICECandidateInit
	rejected int
	closed   bool
	linked   bool
	dc       *fakeDC

	onCandidate func(webrtc.ICECandidateInit)
	onDC        func(DataChannel)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePC) sdp(kind string) string {
	return fmt.Sprintf("%s:%s:%d", kind, p.owner, p.net.seq.Add(1))
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.sdp("offer")}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.sdp("answer")}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.local = &desc
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if onCandidate != nil {
		go func() {
			for i := 0; i < 2; i++ {
				onCandidate(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s:%d", p.owner, i)})
			}
		}()
	}
	p.maybeLink()
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.remote = &desc
	p.mu.Unlock()
	p.maybeLink()
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.remote == nil {
		p.rejected++
		p.mu.Unlock()
		return errors.New("remote description is not set")
	}
	p.added = append(p.added, c)
	p.mu.Unlock()
	p.maybeLink()
	return nil
}

func (p *fakePC) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dc = &fakeDC{label: label}
	return p.dc, nil
}

func (p *fakePC) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *fakePC) OnDataChannel(f func(DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.local != nil && p.remote != nil && len(p.added) > 0
}

func (p *fakePC) remoteOwner() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	parts := strings.Split(p.remote.SDP, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func (p *fakePC) Rejected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected
}

// maybeLink opens the data channel once both ends are ready.
func (p *fakePC) maybeLink() {
	other := p.net.lookup(p.remoteOwner())
	if other == nil || !p.ready() || !other.ready() {
		return
	}

	offerer, answerer := p, other
	if offerer.dc == nil {
		offerer, answerer = other, p
	}
	offerer.mu.Lock()
	answerer.mu.Lock()
	if offerer.linked || answerer.linked || offerer.dc == nil {
		answerer.mu.Unlock()
		offerer.mu.Unlock()
		return
	}
	offerer.linked, answerer.linked = true, true
	local := offerer.dc
	onDC := answerer.onDC
	answerer.mu.Unlock()
	offerer.mu.Unlock()

	remote := &fakeDC{label: local.label}
	local.link(remote)
	go func() {
		if onDC != nil {
			onDC(remote)
		}
		remote.setOpen()
		local.setOpen()
	}()
}

// fakeDC delivers messages synchronously to its linked peer.
type fakeDC struct {
	label string

	mu        sync.Mutex
	peer      *fakeDC
	open      bool
	closed    bool
	threshold uint64
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()
	onErr     func(error)
}

func (d *fakeDC) link(peer *fakeDC) {
	d.mu.Lock()
	d.peer = peer
	d.mu.Unlock()
	peer.mu.Lock()
	peer.peer = d
	peer.mu.Unlock()
}

func (d *fakeDC) setOpen() {
	d.mu.Lock()
	d.open = true
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDC) Label() string { return d.label }

func (d *fakeDC) deliver(m webrtc.DataChannelMessage) error {
	d.mu.Lock()
	peer, open := d.peer, d.open && !d.closed
	d.mu.Unlock()
	if !open || peer == nil {
		return errors.New("data channel not open")
	}
	peer.mu.Lock()
	f := peer.onMessage
	peer.mu.Unlock()
	if f != nil {
		f(m)
	}
	return nil
}

func (d *fakeDC) Send(data []byte) error {
	return d.deliver(webrtc.DataChannelMessage{Data: append([]byte(nil), data...)})
}

func (d *fakeDC) SendText(s string) error {
	return d.deliver(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (d *fakeDC) BufferedAmount() uint64 { return 0 }

func (d *fakeDC) SetBufferedAmountLowThreshold(th uint64) {
	d.mu.Lock()
	d.threshold = th
	d.mu.Unlock()
}

func (d *fakeDC) OnBufferedAmountLow(f func()) {
	d.mu.Lock()
	d.onLow = f
	d.mu.Unlock()
}

func (d *fakeDC) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *fakeDC) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	open := d.open
	d.mu.Unlock()
	if open {
		go f()
	}
}

func (d *fakeDC) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

func (d *fakeDC) OnError(f func(error)) {
	d.mu.Lock()
	d.onErr = f
	d.mu.Unlock()
}

func (d *fakeDC) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	peer := d.peer
	f := d.onClose
	d.mu.Unlock()
	if f != nil {
		f()
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}

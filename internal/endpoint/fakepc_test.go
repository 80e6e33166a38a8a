package endpoint

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/peerdrop/internal/negotiate"
)

// pcNet stands in for the network between endpoints. A connection links to
// the owner named in its remote description once both sides hold both
// descriptions and a candidate from the other.
type pcNet struct {
	mu  sync.Mutex
	pcs map[string]*memPC
	seq atomic.Int64
}

func newPCNet() *pcNet {
	return &pcNet{pcs: make(map[string]*memPC)}
}

func (n *pcNet) factory(owner string) func() (negotiate.PeerConn, error) {
	return func() (negotiate.PeerConn, error) {
		pc := &memPC{net: n, owner: owner}
		n.mu.Lock()
		n.pcs[owner] = pc
		n.mu.Unlock()
		return pc, nil
	}
}

func (n *pcNet) get(owner string) *memPC {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pcs[owner]
}

type memPC struct {
	net   *pcNet
	owner string

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  int
	closed      bool
	linked      bool
	dc          *memDC
	onCandidate func(webrtc.ICECandidateInit)
	onDC        func(negotiate.DataChannel)
}

func (p *memPC) desc(typ webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: typ, SDP: fmt.Sprintf("%s:%s:%d", typ, p.owner, p.net.seq.Add(1))}
}

func (p *memPC) CreateOffer() (webrtc.SessionDescription, error) {
	return p.desc(webrtc.SDPTypeOffer), nil
}

func (p *memPC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return p.desc(webrtc.SDPTypeAnswer), nil
}

func (p *memPC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.local = &d
	f := p.onCandidate
	p.mu.Unlock()
	if f != nil {
		go f(webrtc.ICECandidateInit{Candidate: "candidate:" + p.owner})
	}
	p.link()
	return nil
}

func (p *memPC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.remote = &d
	p.mu.Unlock()
	p.link()
	return nil
}

func (p *memPC) AddICECandidate(webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.remote == nil {
		p.mu.Unlock()
		return errors.New("remote description is not set")
	}
	p.candidates++
	p.mu.Unlock()
	p.link()
	return nil
}

func (p *memPC) CreateDataChannel(label string) (negotiate.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dc = &memDC{label: label}
	return p.dc, nil
}

func (p *memPC) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *memPC) OnDataChannel(f func(negotiate.DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

func (p *memPC) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (p *memPC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *memPC) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.local != nil && p.remote != nil && p.candidates > 0
}

func (p *memPC) peer() *memPC {
	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()
	if remote == nil {
		return nil
	}
	parts := strings.Split(remote.SDP, ":")
	if len(parts) < 2 {
		return nil
	}
	return p.net.get(parts[1])
}

func (p *memPC) link() {
	other := p.peer()
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
	remote := &memDC{label: local.label}
	onDC := answerer.onDC
	answerer.mu.Unlock()
	offerer.mu.Unlock()

	local.pair(remote)
	go func() {
		if onDC != nil {
			onDC(remote)
		}
		remote.open()
		local.open()
	}()
}

// memDC hands each message straight to its paired channel.
type memDC struct {
	label string

	mu        sync.Mutex
	other     *memDC
	opened    bool
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func (d *memDC) pair(other *memDC) {
	d.mu.Lock()
	d.other = other
	d.mu.Unlock()
	other.mu.Lock()
	other.other = d
	other.mu.Unlock()
}

func (d *memDC) open() {
	d.mu.Lock()
	d.opened = true
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *memDC) deliver(m webrtc.DataChannelMessage) error {
	d.mu.Lock()
	other, ok := d.other, d.opened && !d.closed
	d.mu.Unlock()
	if !ok || other == nil {
		return errors.New("data channel not open")
	}
	other.mu.Lock()
	f := other.onMessage
	other.mu.Unlock()
	if f != nil {
		f(m)
	}
	return nil
}

func (d *memDC) Label() string { return d.label }

func (d *memDC) Send(data []byte) error {
	return d.deliver(webrtc.DataChannelMessage{Data: append([]byte(nil), data...)})
}

func (d *memDC) SendText(s string) error {
	return d.deliver(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (d *memDC) BufferedAmount() uint64               { return 0 }
func (d *memDC) SetBufferedAmountLowThreshold(uint64) {}
func (d *memDC) OnBufferedAmountLow(func())           {}
func (d *memDC) OnError(func(error))                  {}

func (d *memDC) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *memDC) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	opened := d.opened
	d.mu.Unlock()
	if opened {
		go f()
	}
}

func (d *memDC) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

func (d *memDC) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	other := d.other
	f := d.onClose
	d.mu.Unlock()
	if f != nil {
		f()
	}
	if other != nil {
		other.Close()
	}
	return nil
}

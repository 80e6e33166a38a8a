package negotiate

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/peerdrop/internal/transport"
)

// DataChannel is the data channel surface a negotiation needs: the
// transport's subset plus the open event.
type DataChannel interface {
	transport.DataChannel
	OnOpen(f func())
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// PeerConn is the WebRTC peer connection surface driven by a Negotiation.
// Candidates are exchanged in their JSON init form.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	CreateDataChannel(label string) (DataChannel, error)
	OnICECandidate(f func(c webrtc.ICECandidateInit))
	OnDataChannel(f func(dc DataChannel))
	OnConnectionStateChange(f func(s webrtc.PeerConnectionState))
	Close() error
}

// PionOptions tune peer connections created by NewPionFactory.
type PionOptions struct {
	STUNServers []string
	TURNServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host peers.
	IncludeLoopback bool
}

// PeerConnectionConfig returns a WebRTC configuration with the given ICE servers.
func PeerConnectionConfig(stunServers, turnServers []string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer

	var stuns []string
	for _, s := range stunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			s = "stun:" + s
		}
		stuns = append(stuns, s)
	}
	if len(stuns) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stuns})
	}

	for _, turn := range turnServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{turn}})
	}

	return webrtc.Configuration{ICEServers: iceServers}
}

func settingEngine(opts PionOptions) webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	return se
}

// NewPionFactory returns a PeerConn constructor backed by pion/webrtc.
func NewPionFactory(opts PionOptions) func() (PeerConn, error) {
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine(opts)))
	cfg := PeerConnectionConfig(opts.STUNServers, opts.TURNServers)
	return func() (PeerConn, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	return p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
}

func (p *pionConn) OnICECandidate(f func(c webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (p *pionConn) OnDataChannel(f func(dc DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) { f(dc) })
}

func (p *pionConn) OnConnectionStateChange(f func(s webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/callagent/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PionFactory builds pion peer connections with the default codecs and interceptors
type PionFactory struct {
	log zerolog.Logger
}

// NewPionFactory creates a factory logging through logger
func NewPionFactory(logger zerolog.Logger) *PionFactory {
	return &PionFactory{log: logger.With().Str("component", "peer").Logger()}
}

// NewConnection creates a peer connection using iceServers for discovery and relay
func (f *PionFactory) NewConnection(iceServers []string) (Connection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	conn := &pionConnection{
		pc:      pc,
		log:     f.log,
		remotes: make(map[string]*MediaStream),
	}
	pc.OnTrack(conn.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		conn.log.Debug().Str("state", state.String()).Msg("Peer connection state changed")
	})
	return conn, nil
}

type pionConnection struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu       sync.Mutex
	remotes  map[string]*MediaStream
	onRemote func(Stream)

	closed atomic.Bool
}

func (c *pionConnection) AddStream(stream Stream) error {
	for _, t := range stream.Tracks() {
		lt, ok := t.(*LocalTrack)
		if !ok {
			return fmt.Errorf("track %s is not a local track", t.ID())
		}
		if _, err := c.pc.AddTrack(lt.Local()); err != nil {
			return fmt.Errorf("add %s track: %w", lt.Kind(), err)
		}
	}
	return nil
}

func (c *pionConnection) OnLocalCandidate(fn func(models.Candidate)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if ic == nil {
			return
		}
		init := ic.ToJSON()
		fn(models.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (c *pionConnection) OnRemoteStream(fn func(Stream)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

func (c *pionConnection) CreateOffer() (models.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (c *pionConnection) CreateAnswer() (models.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (c *pionConnection) SetLocalDescription(desc models.SessionDescription) error {
	return c.pc.SetLocalDescription(toPion(desc))
}

func (c *pionConnection) SetRemoteDescription(desc models.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPion(desc))
}

func (c *pionConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConnection) AddRemoteCandidate(cand models.Candidate) error {
	if cand.Candidate == "" {
		return errors.New("empty candidate")
	}
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// Close releases the connection and marks remote tracks inactive. Idempotent.
func (c *pionConnection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	remotes := c.remotes
	c.remotes = make(map[string]*MediaStream)
	c.mu.Unlock()
	for _, s := range remotes {
		s.Stop()
	}
	return c.pc.Close()
}

func (c *pionConnection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := &remoteTrack{track: track}

	c.mu.Lock()
	stream, known := c.remotes[track.StreamID()]
	if !known {
		stream = NewStream(track.StreamID())
		c.remotes[track.StreamID()] = stream
	}
	stream.AddTrack(rt)
	onRemote := c.onRemote
	c.mu.Unlock()

	c.log.Info().
		Str("stream", track.StreamID()).
		Str("kind", track.Kind().String()).
		Msg("Remote track arrived")

	go rt.drain()

	if !known && onRemote != nil {
		onRemote(stream)
	}
}

func toPion(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}
}

// remoteTrack reads and discards RTP so the receiver's buffers never fill;
// consumers that render media replace this with their own reader.
type remoteTrack struct {
	track   *webrtc.TrackRemote
	stopped atomic.Bool
}

func (t *remoteTrack) ID() string   { return t.track.ID() }
func (t *remoteTrack) Kind() string { return t.track.Kind().String() }
func (t *remoteTrack) Stop()        { t.stopped.Store(true) }
func (t *remoteTrack) Active() bool { return !t.stopped.Load() }

func (t *remoteTrack) drain() {
	for !t.stopped.Load() {
		if _, _, err := t.track.ReadRTP(); err != nil {
			t.stopped.Store(true)
			return
		}
	}
}

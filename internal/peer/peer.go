// Package peer wraps the peer-to-peer media transport used by a call: local
// media capture, offer/answer generation and candidate exchange.
package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/callagent/internal/models"
)

// ErrCaptureDenied is returned when local audio/video capture is refused or unavailable
var ErrCaptureDenied = errors.New("media capture denied")

// Track is one revocable media track
type Track interface {
	ID() string
	Kind() string
	Stop()
	Active() bool
}

// Stream groups the tracks of one local capture or one remote party
type Stream interface {
	ID() string
	Tracks() []Track
	ActiveTracks() int
	Stop()
}

// Capture acquires local media. Audio is always requested; video only when asked.
type Capture interface {
	Acquire(ctx context.Context, video bool) (Stream, error)
}

// Connection is a single peer connection. Callbacks may fire from any
// goroutine at any time after registration.
type Connection interface {
	AddStream(stream Stream) error
	OnLocalCandidate(fn func(models.Candidate))
	OnRemoteStream(fn func(Stream))
	CreateOffer() (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetLocalDescription(desc models.SessionDescription) error
	SetRemoteDescription(desc models.SessionDescription) error
	HasRemoteDescription() bool
	AddRemoteCandidate(c models.Candidate) error
	Close() error
}

// Factory builds connections configured with relay/discovery servers
type Factory interface {
	NewConnection(iceServers []string) (Connection, error)
}

// MediaStream is the Stream implementation shared by local and remote media
type MediaStream struct {
	id     string
	mu     sync.Mutex
	tracks []Track
}

// NewStream creates a stream holding tracks
func NewStream(id string, tracks ...Track) *MediaStream {
	return &MediaStream{id: id, tracks: tracks}
}

func (s *MediaStream) ID() string { return s.id }

func (s *MediaStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *MediaStream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// ActiveTracks counts tracks that have not been stopped
func (s *MediaStream) ActiveTracks() int {
	n := 0
	for _, t := range s.Tracks() {
		if t.Active() {
			n++
		}
	}
	return n
}

// Stop stops every track of the stream
func (s *MediaStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// DeniedCapture refuses every capture request
type DeniedCapture struct{}

func (DeniedCapture) Acquire(context.Context, bool) (Stream, error) {
	return nil, ErrCaptureDenied
}

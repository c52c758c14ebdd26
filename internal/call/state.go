package call

import (
	"context"
	"time"

	"github.com/mossy-p/callagent/internal/models"
	"github.com/mossy-p/callagent/internal/peer"
)

// Status is the local view of a call. The ringing states carry the direction
// the shared record does not have.
type Status string

const (
	StatusRingingOutgoing Status = "ringing-outgoing"
	StatusRingingIncoming Status = "ringing-incoming"
	StatusConnected       Status = "connected"
	StatusEnded           Status = "ended"
	StatusDeclined        Status = "declined"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status is only shown until the call clears
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

// statusFromRemote maps a record status onto the local view. Ringing has no
// direction-free local counterpart and maps to the empty status.
func statusFromRemote(s models.CallStatus) Status {
	switch s {
	case models.CallConnected:
		return StatusConnected
	case models.CallEnded:
		return StatusEnded
	case models.CallDeclined:
		return StatusDeclined
	case models.CallCancelled:
		return StatusCancelled
	}
	return ""
}

// UnknownCaller is shown when a call record carries no caller name
const UnknownCaller = "Unknown caller"

// ActiveCall is the call this client is currently part of
type ActiveCall struct {
	CallID      string       `json:"callId"`
	Role        models.Role  `json:"role"`
	Caller      models.Party `json:"caller"`
	Receiver    models.Party `json:"receiver"`
	Status      Status       `json:"status"`
	IsVideo     bool         `json:"isVideo"`
	StartedAt   time.Time    `json:"startedAt"`
	ConnectedAt *time.Time   `json:"connectedAt,omitempty"`
}

// Peer returns the other party of the call
func (c *ActiveCall) Peer() models.Party {
	if c.Role == models.RoleCaller {
		return c.Receiver
	}
	return c.Caller
}

// Self returns this client's party
func (c *ActiveCall) Self() models.Party {
	if c.Role == models.RoleCaller {
		return c.Caller
	}
	return c.Receiver
}

func (c *ActiveCall) clone() *ActiveCall {
	if c == nil {
		return nil
	}
	out := *c
	if c.ConnectedAt != nil {
		t := *c.ConnectedAt
		out.ConnectedAt = &t
	}
	return &out
}

// ErrorKind groups user-facing failures
type ErrorKind string

const (
	ErrorMedia      ErrorKind = "media"
	ErrorSignaling  ErrorKind = "signaling"
	ErrorConnection ErrorKind = "connection"
	ErrorAnswer     ErrorKind = "answer"
)

// CallError is the single dismissable error shown to the user
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// State is a snapshot handed to the presentation layer
type State struct {
	Call         *ActiveCall `json:"call"`
	Error        *CallError  `json:"error"`
	LocalTracks  int         `json:"localTracks"`
	RemoteTracks int         `json:"remoteTracks"`
	LocalStream  peer.Stream `json:"-"`
	RemoteStream peer.Stream `json:"-"`
}

// Summary describes a finished call
type Summary struct {
	CallID      string
	Role        models.Role
	Self        models.Party
	Peer        models.Party
	IsVideo     bool
	FinalStatus Status
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
}

// Recorder receives a Summary for every call once it clears
type Recorder interface {
	Record(ctx context.Context, s Summary) error
}

func summarize(c *ActiveCall, endedAt time.Time) Summary {
	final := c.Status
	if !final.Terminal() {
		switch final {
		case StatusRingingOutgoing:
			final = StatusCancelled
		default:
			final = StatusEnded
		}
	}
	return Summary{
		CallID:      c.CallID,
		Role:        c.Role,
		Self:        c.Self(),
		Peer:        c.Peer(),
		IsVideo:     c.IsVideo,
		FinalStatus: final,
		StartedAt:   c.StartedAt,
		ConnectedAt: c.ConnectedAt,
		EndedAt:     endedAt,
	}
}

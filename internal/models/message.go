package models

// SDPType is the kind of a session description exchanged through a call record
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is the negotiation payload stored on a call record
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Empty reports whether the description carries no SDP
func (d *SessionDescription) Empty() bool {
	return d == nil || d.SDP == ""
}

// Candidate is one network path endpoint discovered during connection setup.
// Field names follow the browser RTCIceCandidateInit shape so records written
// by web clients and by this agent are interchangeable.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateRecord is one entry of a call's candidate sub-stream
type CandidateRecord struct {
	CallID  string `json:"callId"`
	Role    Role   `json:"role"`
	Seq     int    `json:"seq"`
	Payload []byte `json:"payload"`
}

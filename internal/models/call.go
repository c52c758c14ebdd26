package models

import "time"

// Collection and sub-collection names used on the signaling store
const (
	CallsCollection             = "calls"
	CallerCandidatesSubstream   = "callerCandidates"
	ReceiverCandidatesSubstream = "receiverCandidates"
)

// MediaKind is the media requested for a call
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaKindFor maps a video flag to a MediaKind
func MediaKindFor(video bool) MediaKind {
	if video {
		return MediaVideo
	}
	return MediaAudio
}

// CallStatus is the authoritative status shared by both parties
type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
	CallDeclined  CallStatus = "declined"
	CallCancelled CallStatus = "cancelled"
)

// Terminal reports whether the status ends the call
func (s CallStatus) Terminal() bool {
	switch s {
	case CallEnded, CallDeclined, CallCancelled:
		return true
	}
	return false
}

// Role is the side of a call a client plays
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Opposite returns the other party's role
func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleReceiver
	}
	return RoleCaller
}

// Substream is the candidate sub-collection written by this role
func (r Role) Substream() string {
	if r == RoleCaller {
		return CallerCandidatesSubstream
	}
	return ReceiverCandidatesSubstream
}

// Party identifies one side of a call
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// CallRecord is the persisted call document both parties observe
type CallRecord struct {
	ID                  string              `json:"id"`
	CallerID            string              `json:"callerId"`
	CallerDisplayName   string              `json:"callerDisplayName"`
	CallerAvatarURL     string              `json:"callerAvatarUrl"`
	ReceiverID          string              `json:"receiverId"`
	ReceiverDisplayName string              `json:"receiverDisplayName"`
	ReceiverAvatarURL   string              `json:"receiverAvatarUrl"`
	MediaKind           MediaKind           `json:"mediaKind"`
	Status              CallStatus          `json:"status"`
	Offer               *SessionDescription `json:"offer,omitempty"`
	Answer              *SessionDescription `json:"answer,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// Caller returns the caller party of the record
func (r *CallRecord) Caller() Party {
	return Party{ID: r.CallerID, DisplayName: r.CallerDisplayName, AvatarURL: r.CallerAvatarURL}
}

// Receiver returns the receiver party of the record
func (r *CallRecord) Receiver() Party {
	return Party{ID: r.ReceiverID, DisplayName: r.ReceiverDisplayName, AvatarURL: r.ReceiverAvatarURL}
}

// Field names used in partial updates and filters
const (
	FieldStatus     = "status"
	FieldOffer      = "offer"
	FieldAnswer     = "answer"
	FieldCallerID   = "callerId"
	FieldReceiverID = "receiverId"
	FieldUpdatedAt  = "updatedAt"
)

package models

// StartCallRequest is the body for placing a call
type StartCallRequest struct {
	ReceiverID          string `json:"receiverId" binding:"required"`
	ReceiverDisplayName string `json:"receiverDisplayName"`
	ReceiverAvatarURL   string `json:"receiverAvatarUrl"`
	Video               bool   `json:"video"`
}

// LoginRequest is the body for signing in to the agent
type LoginRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// LoginResponse carries the issued session token
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// StreamMessageType identifies a message on the call state stream
type StreamMessageType string

const (
	StreamState   StreamMessageType = "state"
	StreamError   StreamMessageType = "error"
	StreamAnswer  StreamMessageType = "answer"
	StreamDecline StreamMessageType = "decline"
	StreamHangUp  StreamMessageType = "hangup"
	StreamDismiss StreamMessageType = "dismiss"
)

// StreamMessage is exchanged over the call state WebSocket. The agent sends
// state snapshots and errors; the client sends intents.
type StreamMessage struct {
	Type  StreamMessageType `json:"type"`
	State any               `json:"state,omitempty"`
	Error string            `json:"error,omitempty"`
}

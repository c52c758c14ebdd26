package call

import "errors"

var (
	// ErrMediaAcquisition means local audio/video capture was denied or unavailable
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrSignalingWrite means a write to the signaling store failed during setup
	ErrSignalingWrite = errors.New("signaling write failed")
	// ErrConnectionSetup means the local peer connection could not be prepared
	ErrConnectionSetup = errors.New("peer connection setup failed")
	// ErrAnswer means an incoming call could not be answered
	ErrAnswer = errors.New("answer failed")
	// ErrMalformedCandidate marks a remote candidate that could not be parsed or applied
	ErrMalformedCandidate = errors.New("malformed candidate")

	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrNoIdentity     = errors.New("no signed-in user")
	ErrStopped        = errors.New("call machine stopped")
)

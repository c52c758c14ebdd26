// Package call holds the session machine that drives one user's calls through
// the signaling store: placing, answering, declining and hanging up, plus
// reconciliation of everything the remote party writes.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/callagent/internal/identity"
	"github.com/mossy-p/callagent/internal/models"
	"github.com/mossy-p/callagent/internal/peer"
	"github.com/mossy-p/callagent/internal/signaling"
)

// DefaultClearDelay is how long a finished call stays visible before it clears
const DefaultClearDelay = 2500 * time.Millisecond

const (
	eventBuffer   = 64
	recordTimeout = 5 * time.Second
)

// Identity reports the signed-in user
type Identity interface {
	Current() (identity.User, bool)
}

// Options configures a Machine
type Options struct {
	ICEServers []string
	ClearDelay time.Duration
	Recorder   Recorder
	Logger     zerolog.Logger
}

// Machine owns at most one active call. All state changes happen on the
// goroutine running Run; the exported methods post work to it.
type Machine struct {
	calls    *signaling.Calls
	peers    peer.Factory
	capture  peer.Capture
	identity Identity

	iceServers []string
	clearDelay time.Duration
	recorder   Recorder
	log        zerolog.Logger

	events chan event
	done   chan struct{}

	// owned by the loop
	runCtx     context.Context
	active     *ActiveCall
	lastErr    *CallError
	conn       peer.Connection
	local      peer.Stream
	remote     peer.Stream
	queue      []models.Candidate
	callCtx    context.Context
	stopWatch  context.CancelFunc
	clearTimer *time.Timer
	generation uint64

	stateMu sync.RWMutex
	state   State
	subs    map[chan State]struct{}
}

// NewMachine creates an idle machine. Nothing happens until Run is called.
func NewMachine(calls *signaling.Calls, peers peer.Factory, capture peer.Capture, ids Identity, opts Options) *Machine {
	delay := opts.ClearDelay
	if delay <= 0 {
		delay = DefaultClearDelay
	}
	return &Machine{
		calls:      calls,
		peers:      peers,
		capture:    capture,
		identity:   ids,
		iceServers: opts.ICEServers,
		clearDelay: delay,
		recorder:   opts.Recorder,
		log:        opts.Logger.With().Str("component", "call").Logger(),
		events:     make(chan event, eventBuffer),
		done:       make(chan struct{}),
		subs:       make(map[chan State]struct{}),
	}
}

// Run processes intents and remote observations until ctx is cancelled.
// On exit every held resource is released without writing to the store.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer func() {
		m.reset()
		m.publish()
		close(m.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// StartCall places a call to receiver. It fails with ErrCallInProgress while
// another call is active.
func (m *Machine) StartCall(ctx context.Context, receiver models.Party, video bool) error {
	return m.do(ctx, func(ctx context.Context) error {
		return m.startCall(ctx, receiver, video)
	})
}

// AnswerCall accepts the ringing incoming call
func (m *Machine) AnswerCall(ctx context.Context) error {
	return m.do(ctx, m.answerCall)
}

// DeclineCall rejects the ringing incoming call
func (m *Machine) DeclineCall(ctx context.Context) error {
	return m.do(ctx, m.declineCall)
}

// HangUp ends the active call. With cleanupOnly set nothing is written to the
// store and only local resources are released.
func (m *Machine) HangUp(ctx context.Context, cleanupOnly bool) error {
	return m.do(ctx, func(ctx context.Context) error {
		m.hangUp(ctx, cleanupOnly)
		return nil
	})
}

// DismissError clears the user-facing error
func (m *Machine) DismissError(ctx context.Context) error {
	return m.do(ctx, func(context.Context) error {
		m.lastErr = nil
		return nil
	})
}

// Incoming offers a ringing record addressed to this user. It is ignored
// while another call is active.
func (m *Machine) Incoming(ctx context.Context, rec *models.CallRecord) {
	m.post(ctx, incomingEvent{record: rec})
}

// State returns the latest published snapshot
func (m *Machine) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Subscribe delivers the current snapshot and then every later one. Slow
// subscribers only ever see the newest snapshot. Call the returned func to stop.
func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.stateMu.Lock()
	ch <- m.state
	m.subs[ch] = struct{}{}
	m.stateMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.stateMu.Lock()
			delete(m.subs, ch)
			m.stateMu.Unlock()
		})
	}
}

// Done is closed once Run has returned
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) do(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case m.events <- intentEvent{ctx: ctx, run: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Machine) post(ctx context.Context, ev event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	case <-m.done:
	}
}

func (m *Machine) publish() {
	s := State{
		Call:  m.active.clone(),
		Error: m.lastErr,
	}
	if m.local != nil {
		s.LocalStream = m.local
		s.LocalTracks = m.local.ActiveTracks()
	}
	if m.remote != nil {
		s.RemoteStream = m.remote
		s.RemoteTracks = m.remote.ActiveTracks()
	}
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state = s
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (m *Machine) fail(kind ErrorKind, err error) {
	m.lastErr = &CallError{Kind: kind, Message: err.Error()}
}

func (m *Machine) self() (models.Party, bool) {
	u, ok := m.identity.Current()
	if !ok {
		return models.Party{}, false
	}
	return models.Party{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}, true
}

func (m *Machine) startCall(ctx context.Context, receiver models.Party, video bool) error {
	if m.active != nil {
		m.log.Debug().Str("call_id", m.active.CallID).Msg("start ignored, call in progress")
		return ErrCallInProgress
	}
	caller, ok := m.self()
	if !ok {
		return ErrNoIdentity
	}
	m.lastErr = nil

	stream, err := m.capture.Acquire(ctx, video)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
		m.fail(ErrorMedia, err)
		return err
	}

	callID := uuid.NewString()
	log := m.log.With().Str("call_id", callID).Logger()
	callCtx, stop := context.WithCancel(m.runCtx)

	conn, err := m.newConnection(callCtx, callID, models.RoleCaller, stream)
	if err != nil {
		stop()
		stream.Stop()
		err = fmt.Errorf("%w: %v", ErrConnectionSetup, err)
		m.fail(ErrorConnection, err)
		return err
	}
	abort := func() {
		stop()
		if cerr := conn.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close peer connection")
		}
		stream.Stop()
	}

	offer, err := conn.CreateOffer()
	if err == nil {
		err = conn.SetLocalDescription(offer)
	}
	if err != nil {
		abort()
		err = fmt.Errorf("%w: %v", ErrConnectionSetup, err)
		m.fail(ErrorConnection, err)
		return err
	}

	now := time.Now().UTC()
	rec := &models.CallRecord{
		ID:                  callID,
		CallerID:            caller.ID,
		CallerDisplayName:   caller.DisplayName,
		CallerAvatarURL:     caller.AvatarURL,
		ReceiverID:          receiver.ID,
		ReceiverDisplayName: receiver.DisplayName,
		ReceiverAvatarURL:   receiver.AvatarURL,
		MediaKind:           models.MediaKindFor(video),
		Status:              models.CallRinging,
		Offer:               &offer,
		CreatedAt:           now,
	}
	if _, err := m.calls.CreateCall(ctx, rec); err != nil {
		abort()
		err = fmt.Errorf("%w: %v", ErrSignalingWrite, err)
		m.fail(ErrorSignaling, err)
		return err
	}

	m.generation++
	m.active = &ActiveCall{
		CallID:    callID,
		Role:      models.RoleCaller,
		Caller:    caller,
		Receiver:  receiver,
		Status:    StatusRingingOutgoing,
		IsVideo:   video,
		StartedAt: now,
	}
	m.conn = conn
	m.local = stream
	m.callCtx = callCtx
	m.stopWatch = stop

	if err := m.watchRecord(callCtx, callID); err != nil {
		return m.abandon(ctx, err)
	}
	if err := m.watchCandidates(callCtx, callID, models.RoleReceiver); err != nil {
		return m.abandon(ctx, err)
	}

	log.Info().Str("receiver_id", receiver.ID).Bool("video", video).Msg("call placed")
	return nil
}

// abandon gives up on a call whose record was already written
func (m *Machine) abandon(ctx context.Context, err error) error {
	err = fmt.Errorf("%w: %v", ErrSignalingWrite, err)
	m.hangUp(ctx, false)
	m.fail(ErrorSignaling, err)
	return err
}

func (m *Machine) answerCall(ctx context.Context) error {
	if m.active == nil || m.active.Status != StatusRingingIncoming {
		return ErrNoIncomingCall
	}
	callID := m.active.CallID
	log := m.log.With().Str("call_id", callID).Logger()
	m.lastErr = nil

	fail := func(kind ErrorKind, err error) error {
		m.idle()
		m.fail(kind, err)
		log.Warn().Err(err).Msg("answer failed")
		return err
	}

	rec, err := m.calls.GetCall(ctx, callID)
	if err != nil {
		return fail(ErrorAnswer, fmt.Errorf("%w: %v", ErrAnswer, err))
	}
	if rec.Status != models.CallRinging || rec.Offer.Empty() {
		return fail(ErrorAnswer, fmt.Errorf("%w: call is %s", ErrAnswer, rec.Status))
	}

	video := rec.MediaKind == models.MediaVideo
	stream, err := m.capture.Acquire(ctx, video)
	if err != nil {
		return fail(ErrorMedia, fmt.Errorf("%w: %v", ErrMediaAcquisition, err))
	}
	m.local = stream

	callCtx := m.callCtx
	conn, err := m.newConnection(callCtx, callID, models.RoleReceiver, stream)
	if err != nil {
		return fail(ErrorConnection, fmt.Errorf("%w: %v", ErrConnectionSetup, err))
	}
	m.conn = conn

	if err := conn.SetRemoteDescription(*rec.Offer); err != nil {
		return fail(ErrorAnswer, fmt.Errorf("%w: %v", ErrAnswer, err))
	}
	m.drainQueue()

	answer, err := conn.CreateAnswer()
	if err == nil {
		err = conn.SetLocalDescription(answer)
	}
	if err != nil {
		return fail(ErrorAnswer, fmt.Errorf("%w: %v", ErrAnswer, err))
	}

	err = m.calls.UpdateCall(ctx, callID, map[string]any{
		models.FieldAnswer: &answer,
		models.FieldStatus: models.CallConnected,
	})
	if err != nil {
		return fail(ErrorSignaling, fmt.Errorf("%w: %v", ErrSignalingWrite, err))
	}

	now := time.Now().UTC()
	m.active.Status = StatusConnected
	m.active.ConnectedAt = &now
	m.active.IsVideo = video

	if err := m.watchCandidates(callCtx, callID, models.RoleCaller); err != nil {
		return m.abandon(ctx, err)
	}
	log.Info().Msg("call answered")
	return nil
}

func (m *Machine) declineCall(ctx context.Context) error {
	if m.active == nil || m.active.Status != StatusRingingIncoming {
		return ErrNoIncomingCall
	}
	callID := m.active.CallID
	err := m.calls.UpdateCall(ctx, callID, map[string]any{models.FieldStatus: models.CallDeclined})
	if err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("write declined status")
	}
	m.active.Status = StatusDeclined
	m.idle()
	return nil
}

func (m *Machine) hangUp(ctx context.Context, cleanupOnly bool) {
	if m.active != nil && !cleanupOnly && !m.active.Status.Terminal() {
		callID := m.active.CallID
		err := m.calls.UpdateCall(ctx, callID, map[string]any{models.FieldStatus: models.CallEnded})
		if err != nil {
			m.log.Warn().Err(err).Str("call_id", callID).Msg("write ended status")
		}
	}
	m.idle()
}

// newConnection builds a peer connection for callID, attaches stream and
// routes its callbacks back into the machine.
func (m *Machine) newConnection(ctx context.Context, callID string, role models.Role, stream peer.Stream) (peer.Connection, error) {
	conn, err := m.peers.NewConnection(m.iceServers)
	if err != nil {
		return nil, err
	}
	if err := conn.AddStream(stream); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.OnLocalCandidate(func(c models.Candidate) {
		m.post(ctx, localCandidateEvent{callID: callID, role: role, candidate: c})
	})
	conn.OnRemoteStream(func(s peer.Stream) {
		go m.post(ctx, remoteStreamEvent{callID: callID, stream: s})
	})
	return conn, nil
}

func (m *Machine) publishCandidate(ctx context.Context, callID string, role models.Role, c models.Candidate) {
	payload, err := codec.Marshal(c)
	if err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("encode local candidate")
		return
	}
	if err := m.calls.AppendCandidate(ctx, callID, role, payload); err != nil && ctx.Err() == nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("publish local candidate")
	}
}

func (m *Machine) watchRecord(ctx context.Context, callID string) error {
	changes, err := m.calls.WatchCall(ctx, callID)
	if err != nil {
		return err
	}
	go func() {
		for ch := range changes {
			m.post(ctx, recordEvent{callID: callID, change: ch})
		}
	}()
	return nil
}

func (m *Machine) watchCandidates(ctx context.Context, callID string, author models.Role) error {
	entries, err := m.calls.WatchCandidates(ctx, callID, author)
	if err != nil {
		return err
	}
	go func() {
		for rec := range entries {
			m.post(ctx, candidateEvent{callID: callID, record: rec})
		}
	}()
	return nil
}

// releaseMedia stops subscriptions, the peer connection and both streams
// while leaving the active call in place for display.
func (m *Machine) releaseMedia() {
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
		m.callCtx = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.log.Warn().Err(err).Msg("close peer connection")
		}
		m.conn = nil
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	if m.remote != nil {
		m.remote.Stop()
		m.remote = nil
	}
	m.queue = nil
}

// reset returns the machine to idle. It never writes to the store.
func (m *Machine) reset() {
	m.stopClear()
	m.releaseMedia()
	if m.active != nil {
		m.record(summarize(m.active, time.Now().UTC()))
	}
	m.active = nil
	m.lastErr = nil
	m.generation++
}

// idle resets and offers again every call still ringing for this user
func (m *Machine) idle() {
	m.reset()
	m.pollIncoming()
}

func (m *Machine) pollIncoming() {
	ctx := m.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	self, ok := m.self()
	if !ok {
		return
	}
	go func() {
		recs, err := m.calls.FindIncoming(ctx, self.ID)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Str("user_id", self.ID).Msg("look up pending incoming calls")
			}
			return
		}
		for _, rec := range recs {
			m.post(ctx, incomingEvent{record: rec})
		}
	}()
}

func (m *Machine) record(s Summary) {
	if m.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := m.recorder.Record(ctx, s); err != nil {
			m.log.Warn().Err(err).Str("call_id", s.CallID).Msg("record call history")
		}
	}()
}

func (m *Machine) scheduleClear() {
	m.stopClear()
	m.generation++
	gen := m.generation
	ctx := m.runCtx
	m.clearTimer = time.AfterFunc(m.clearDelay, func() {
		m.post(ctx, clearEvent{generation: gen})
	})
}

func (m *Machine) stopClear() {
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
}

package call

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mossy-p/callagent/internal/models"
	"github.com/mossy-p/callagent/internal/peer"
	"github.com/mossy-p/callagent/internal/signaling"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type event interface {
	isEvent()
}

type intentEvent struct {
	ctx   context.Context
	run   func(context.Context) error
	reply chan<- error
}

type incomingEvent struct {
	record *models.CallRecord
}

type recordEvent struct {
	callID string
	change signaling.CallChange
}

type candidateEvent struct {
	callID string
	record models.CandidateRecord
}

type localCandidateEvent struct {
	callID    string
	role      models.Role
	candidate models.Candidate
}

type remoteStreamEvent struct {
	callID string
	stream peer.Stream
}

type clearEvent struct {
	generation uint64
}

func (intentEvent) isEvent()         {}
func (incomingEvent) isEvent()       {}
func (recordEvent) isEvent()         {}
func (candidateEvent) isEvent()      {}
func (localCandidateEvent) isEvent() {}
func (remoteStreamEvent) isEvent()   {}
func (clearEvent) isEvent()          {}

// handle applies one event and publishes the resulting snapshot. Intents are
// answered only after their snapshot is visible.
func (m *Machine) handle(ev event) {
	switch ev := ev.(type) {
	case intentEvent:
		err := ev.run(ev.ctx)
		m.publish()
		ev.reply <- err
		return
	case incomingEvent:
		m.onIncoming(ev.record)
	case recordEvent:
		m.onRecord(ev.callID, ev.change)
	case candidateEvent:
		m.onCandidate(ev.callID, ev.record)
	case localCandidateEvent:
		m.onLocalCandidate(ev.callID, ev.role, ev.candidate)
		return
	case remoteStreamEvent:
		m.onRemoteStream(ev.callID, ev.stream)
	case clearEvent:
		m.onClear(ev.generation)
	}
	m.publish()
}

// current reports whether callID belongs to the active call
func (m *Machine) current(callID string) bool {
	return m.active != nil && m.active.CallID == callID
}

func (m *Machine) onIncoming(rec *models.CallRecord) {
	if rec == nil || rec.Status != models.CallRinging || rec.Offer.Empty() {
		return
	}
	if m.active != nil {
		m.log.Debug().
			Str("call_id", rec.ID).
			Str("active_call_id", m.active.CallID).
			Msg("incoming call ignored, call in progress")
		return
	}
	self, ok := m.self()
	if !ok || rec.ReceiverID != self.ID {
		return
	}

	caller := rec.Caller()
	if caller.DisplayName == "" {
		caller.DisplayName = UnknownCaller
	}
	receiver := rec.Receiver()
	if receiver.DisplayName == "" {
		receiver.DisplayName = self.DisplayName
	}
	if receiver.AvatarURL == "" {
		receiver.AvatarURL = self.AvatarURL
	}

	m.generation++
	m.active = &ActiveCall{
		CallID:    rec.ID,
		Role:      models.RoleReceiver,
		Caller:    caller,
		Receiver:  receiver,
		Status:    StatusRingingIncoming,
		IsVideo:   rec.MediaKind == models.MediaVideo,
		StartedAt: time.Now().UTC(),
	}
	m.callCtx, m.stopWatch = context.WithCancel(m.runCtx)
	if err := m.watchRecord(m.callCtx, rec.ID); err != nil {
		m.log.Error().Err(err).Str("call_id", rec.ID).Msg("watch incoming call")
		m.reset()
		return
	}
	m.log.Info().Str("call_id", rec.ID).Str("caller_id", caller.ID).Msg("incoming call")
}

func (m *Machine) onRecord(callID string, ch signaling.CallChange) {
	if !m.current(callID) {
		return
	}
	log := m.log.With().Str("call_id", callID).Logger()
	if ch.Err != nil {
		log.Warn().Err(ch.Err).Msg("unreadable call record")
		return
	}
	local := m.active.Status
	if local.Terminal() {
		return
	}

	if ch.Deleted || ch.Record == nil {
		log.Info().Msg("call record removed")
		m.finish(StatusEnded)
		return
	}
	rec := ch.Record

	if rec.Status.Terminal() {
		log.Info().Str("status", string(rec.Status)).Msg("call ended remotely")
		m.finish(statusFromRemote(rec.Status))
		return
	}

	if rec.Status == models.CallConnected && local != StatusConnected {
		now := time.Now().UTC()
		m.active.Status = StatusConnected
		m.active.ConnectedAt = &now
	}

	if !rec.Answer.Empty() && m.conn != nil && !m.conn.HasRemoteDescription() {
		if err := m.conn.SetRemoteDescription(*rec.Answer); err != nil {
			log.Error().Err(err).Msg("apply remote answer")
			return
		}
		m.drainQueue()
	}
}

// finish mirrors a terminal status, releases media at once and schedules the
// call to clear.
func (m *Machine) finish(status Status) {
	m.active.Status = status
	m.releaseMedia()
	m.scheduleClear()
}

func (m *Machine) onCandidate(callID string, rec models.CandidateRecord) {
	if !m.current(callID) || m.active.Status.Terminal() {
		return
	}
	log := m.log.With().Str("call_id", callID).Int("seq", rec.Seq).Logger()

	c, err := decodeCandidate(rec.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("discarding remote candidate")
		return
	}
	if m.conn == nil || !m.conn.HasRemoteDescription() {
		m.queue = append(m.queue, c)
		return
	}
	if err := m.conn.AddRemoteCandidate(c); err != nil {
		log.Warn().Err(fmt.Errorf("%w: %v", ErrMalformedCandidate, err)).Msg("discarding remote candidate")
	}
}

// onLocalCandidate appends a gathered candidate to this side's sub-stream.
// Candidates gathered while the call is still being placed wait in the event
// queue until the intent has installed it.
func (m *Machine) onLocalCandidate(callID string, role models.Role, c models.Candidate) {
	if !m.current(callID) || m.active.Status.Terminal() || m.callCtx == nil {
		return
	}
	m.publishCandidate(m.callCtx, callID, role, c)
}

func decodeCandidate(payload []byte) (models.Candidate, error) {
	var c models.Candidate
	if err := codec.Unmarshal(payload, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedCandidate, err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("%w: empty candidate", ErrMalformedCandidate)
	}
	return c, nil
}

// drainQueue applies queued candidates in arrival order
func (m *Machine) drainQueue() {
	queued := m.queue
	m.queue = nil
	for _, c := range queued {
		if err := m.conn.AddRemoteCandidate(c); err != nil {
			m.log.Warn().
				Err(fmt.Errorf("%w: %v", ErrMalformedCandidate, err)).
				Str("call_id", m.active.CallID).
				Msg("discarding queued candidate")
		}
	}
}

func (m *Machine) onRemoteStream(callID string, s peer.Stream) {
	if !m.current(callID) || m.conn == nil {
		s.Stop()
		return
	}
	m.remote = s
	m.log.Debug().Str("call_id", callID).Str("stream_id", s.ID()).Msg("remote media arrived")
}

func (m *Machine) onClear(generation uint64) {
	if generation != m.generation || m.active == nil || !m.active.Status.Terminal() {
		return
	}
	m.log.Debug().Str("call_id", m.active.CallID).Msg("clearing finished call")
	m.idle()
}

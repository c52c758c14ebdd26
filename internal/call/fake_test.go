package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/callagent/internal/identity"
	"github.com/mossy-p/callagent/internal/models"
	"github.com/mossy-p/callagent/internal/peer"
	"github.com/mossy-p/callagent/internal/signaling"
)

const waitTimeout = 2 * time.Second

type fakeTrack struct {
	id      string
	kind    string
	stopped atomic.Bool
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Stop()        { t.stopped.Store(true) }
func (t *fakeTrack) Active() bool { return !t.stopped.Load() }

func fakeStream(id string, video bool) *peer.MediaStream {
	s := peer.NewStream(id, &fakeTrack{id: id + "-audio", kind: "audio"})
	if video {
		s.AddTrack(&fakeTrack{id: id + "-video", kind: "video"})
	}
	return s
}

type fakeCapture struct {
	mu      sync.Mutex
	err     error
	streams []*peer.MediaStream
}

func (c *fakeCapture) Acquire(_ context.Context, video bool) (peer.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := fakeStream(fmt.Sprintf("local-%d", len(c.streams)), video)
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapture) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeCapture) last() *peer.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

type fakeConn struct {
	id     int
	gather []string

	mu          sync.Mutex
	video       bool
	onCandidate func(models.Candidate)
	onRemote    func(peer.Stream)
	local       *models.SessionDescription
	remote      *models.SessionDescription
	applied     []string
	closed      bool
	fired       bool
}

func (c *fakeConn) AddStream(s peer.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video = len(s.Tracks()) > 1
	return nil
}

func (c *fakeConn) OnLocalCandidate(fn func(models.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnRemoteStream(fn func(peer.Stream)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

func (c *fakeConn) CreateOffer() (models.SessionDescription, error) {
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.id)}, nil
}

func (c *fakeConn) CreateAnswer() (models.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return models.SessionDescription{}, errors.New("no remote offer")
	}
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.id)}, nil
}

func (c *fakeConn) SetLocalDescription(d models.SessionDescription) error {
	c.mu.Lock()
	c.local = &d
	c.mu.Unlock()
	for _, cand := range c.gather {
		c.emit(cand)
	}
	c.maybeFire()
	return nil
}

func (c *fakeConn) SetRemoteDescription(d models.SessionDescription) error {
	c.mu.Lock()
	c.remote = &d
	c.mu.Unlock()
	c.maybeFire()
	return nil
}

// maybeFire delivers remote media once both descriptions are in place
func (c *fakeConn) maybeFire() {
	c.mu.Lock()
	if c.fired || c.closed || c.local == nil || c.remote == nil || c.onRemote == nil {
		c.mu.Unlock()
		return
	}
	c.fired = true
	fn := c.onRemote
	video := c.video
	c.mu.Unlock()
	go fn(fakeStream(fmt.Sprintf("remote-%d", c.id), video))
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

func (c *fakeConn) AddRemoteCandidate(cand models.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	if cand.Candidate == "reject" {
		return errors.New("unparseable candidate")
	}
	c.applied = append(c.applied, cand.Candidate)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) emit(cand string) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	fn(models.Candidate{Candidate: cand})
}

func (c *fakeConn) appliedCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu     sync.Mutex
	conns  []*fakeConn
	gather []string
}

func (f *fakeFactory) NewConnection([]string) (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{id: len(f.conns), gather: f.gather}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// flakyStore counts updates and can be told to fail them
type flakyStore struct {
	signaling.Store

	mu      sync.Mutex
	updates int
	failing bool
}

func (s *flakyStore) Update(ctx context.Context, collection, id string, fields signaling.Document) error {
	s.mu.Lock()
	s.updates++
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("store unavailable")
	}
	return s.Store.Update(ctx, collection, id, fields)
}

func (s *flakyStore) failUpdates() {
	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
}

func (s *flakyStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type recorderFunc func(Summary)

func (f recorderFunc) Record(_ context.Context, s Summary) error {
	f(s)
	return nil
}

// agent is one user's machine and watcher wired to a shared store
type agent struct {
	user    identity.User
	users   *identity.Provider
	calls   *signaling.Calls
	peers   *fakeFactory
	capture *fakeCapture
	machine *Machine
}

type agentOption func(*Options)

func withClearDelay(d time.Duration) agentOption {
	return func(o *Options) { o.ClearDelay = d }
}

func withRecorder(r Recorder) agentOption {
	return func(o *Options) { o.Recorder = r }
}

func newAgent(t *testing.T, store signaling.Store, user identity.User, opts ...agentOption) *agent {
	t.Helper()
	a := &agent{
		user:    user,
		users:   identity.NewProvider(),
		calls:   signaling.NewCalls(store),
		peers:   &fakeFactory{},
		capture: &fakeCapture{},
	}
	a.users.Set(user)

	o := Options{ClearDelay: 300 * time.Millisecond, Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	a.machine = NewMachine(a.calls, a.peers, a.capture, a.users, o)

	ctx, cancel := context.WithCancel(context.Background())
	go a.machine.Run(ctx)
	go NewWatcher(a.calls, a.users, a.machine, zerolog.Nop()).Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-a.machine.Done()
	})
	return a
}

func (a *agent) party() models.Party {
	return models.Party{ID: a.user.ID, DisplayName: a.user.DisplayName, AvatarURL: a.user.AvatarURL}
}

func waitFor(t *testing.T, a *agent, desc string, ok func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		s := a.machine.State()
		if ok(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: timed out waiting for %s, last state %+v", a.user.ID, desc, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, a *agent, want Status) State {
	t.Helper()
	return waitFor(t, a, string(want), func(s State) bool {
		return s.Call != nil && s.Call.Status == want
	})
}

func waitIdle(t *testing.T, a *agent) {
	t.Helper()
	waitFor(t, a, "idle", func(s State) bool { return s.Call == nil })
}

func waitRecord(t *testing.T, calls *signaling.Calls, id string, want models.CallStatus) *models.CallRecord {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		rec, err := calls.GetCall(context.Background(), id)
		if err == nil && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for record %s to be %s (last %+v, err %v)", id, want, rec, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

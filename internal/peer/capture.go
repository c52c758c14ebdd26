package peer

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalTrack is a sample-fed local track. The host application writes encoded
// samples into it; once stopped it rejects further writes.
type LocalTrack struct {
	sample  *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

func newLocalTrack(kind webrtc.RTPCodecType, mimeType, streamID string) (*LocalTrack, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		kind.String()+"-"+uuid.New().String(),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{sample: sample}, nil
}

func (t *LocalTrack) ID() string   { return t.sample.ID() }
func (t *LocalTrack) Kind() string { return t.sample.Kind().String() }
func (t *LocalTrack) Stop()        { t.stopped.Store(true) }
func (t *LocalTrack) Active() bool { return !t.stopped.Load() }

// Local exposes the pion track for attaching to a peer connection
func (t *LocalTrack) Local() webrtc.TrackLocal { return t.sample }

// WriteSample forwards one encoded sample to every bound connection
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	return t.sample.WriteSample(s)
}

// SampleCapture hands out opus (and vp8 for video calls) tracks that the host
// application feeds with encoded samples. OnStream, when set, is called with
// every acquired stream so the host can start its encoder.
type SampleCapture struct {
	OnStream func(*MediaStream)
}

func (c *SampleCapture) Acquire(ctx context.Context, video bool) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "local-" + uuid.New().String()

	audio, err := newLocalTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, streamID)
	if err != nil {
		return nil, err
	}
	stream := NewStream(streamID, audio)

	if video {
		vt, err := newLocalTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.AddTrack(vt)
	}

	if c.OnStream != nil {
		c.OnStream(stream)
	}
	return stream, nil
}

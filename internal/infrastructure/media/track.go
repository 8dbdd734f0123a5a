package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"mediconnect/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// localTrack pumps samples from a FrameSource into a pion sample track.
// Toggling writes silence/black instead of stopping the pump, so the RTP
// timeline stays continuous and re-enabling is instant.
type localTrack struct {
	kind    domain.TrackKind
	id      string
	track   *webrtc.TrackLocalStaticSample
	source  FrameSource
	enabled atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
}

func newLocalTrack(kind domain.TrackKind, streamID string, source FrameSource) (*localTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == domain.TrackVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}

	id := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &localTrack{
		kind:    kind,
		id:      id,
		track:   track,
		source:  source,
		stopped: make(chan struct{}),
	}
	t.enabled.Store(true)

	go t.pump()
	return t, nil
}

func (t *localTrack) pump() {
	for {
		select {
		case <-t.stopped:
			return
		default:
		}

		sample, err := t.source.Read()
		if err != nil {
			return
		}

		data := sample.Data
		if !t.enabled.Load() {
			// Muted: keep the cadence but carry no content.
			data = make([]byte, len(sample.Data))
		}

		if err := t.track.WriteSample(pionmedia.Sample{
			Data:     data,
			Duration: sample.Duration,
		}); err != nil {
			return
		}
	}
}

func (t *localTrack) Kind() domain.TrackKind { return t.kind }
func (t *localTrack) ID() string             { return t.id }
func (t *localTrack) Enabled() bool          { return t.enabled.Load() }

func (t *localTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *localTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopped)
		err = t.source.Close()
	})
	return err
}

// WebRTCTrack exposes the transport track for the negotiation layer.
func (t *localTrack) WebRTCTrack() webrtc.TrackLocal {
	return t.track
}

package media

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	closed atomic.Bool
}

func (s *stubSource) Read() (Sample, error) {
	if s.closed.Load() {
		return Sample{}, errors.New("source closed")
	}
	time.Sleep(time.Millisecond)
	return Sample{Data: []byte{1, 2, 3}, Duration: time.Millisecond}, nil
}

func (s *stubSource) Close() error {
	s.closed.Store(true)
	return nil
}

// stubFactory fails video for every profile named in failVideo.
type stubFactory struct {
	failVideo map[string]bool
	failAudio bool
	videoOpen int
	audioOpen int
}

func (f *stubFactory) OpenVideo(profile config.MediaProfile) (FrameSource, error) {
	f.videoOpen++
	if f.failVideo[profile.Name] {
		return nil, errors.New("camera constraint rejected")
	}
	return &stubSource{}, nil
}

func (f *stubFactory) OpenAudio() (FrameSource, error) {
	f.audioOpen++
	if f.failAudio {
		return nil, errors.New("no microphone")
	}
	return &stubSource{}, nil
}

func testProfiles() []config.MediaProfile {
	return []config.MediaProfile{
		{Name: "hd", Width: 1280, Height: 720, FrameRate: 30},
		{Name: "sd", Width: 640, Height: 480, FrameRate: 24},
		{Name: "audio-only", AudioOnly: true},
	}
}

func TestAcquireBestProfile(t *testing.T) {
	factory := &stubFactory{}
	acquirer := NewAcquirer(testProfiles(), factory, nil)

	endpoint, err := acquirer.Acquire(context.Background())
	require.NoError(t, err)
	defer endpoint.Release()

	require.Len(t, endpoint.Tracks, 2)
	assert.True(t, endpoint.AudioEnabled())
	assert.True(t, endpoint.VideoEnabled())
	assert.Equal(t, 1, factory.videoOpen)
}

func TestAcquireFallsBackToLowerProfile(t *testing.T) {
	factory := &stubFactory{failVideo: map[string]bool{"hd": true}}
	acquirer := NewAcquirer(testProfiles(), factory, nil)

	endpoint, err := acquirer.Acquire(context.Background())
	require.NoError(t, err)
	defer endpoint.Release()

	require.Len(t, endpoint.Tracks, 2)
	assert.Equal(t, 2, factory.videoOpen)
}

func TestAcquireFallsBackToAudioOnly(t *testing.T) {
	factory := &stubFactory{failVideo: map[string]bool{"hd": true, "sd": true}}
	acquirer := NewAcquirer(testProfiles(), factory, nil)

	endpoint, err := acquirer.Acquire(context.Background())
	require.NoError(t, err)
	defer endpoint.Release()

	require.Len(t, endpoint.Tracks, 1)
	assert.Equal(t, domain.TrackAudio, endpoint.Tracks[0].Kind())
	assert.False(t, endpoint.VideoEnabled())
}

func TestAcquireFailsWhenNothingAvailable(t *testing.T) {
	factory := &stubFactory{failAudio: true}
	acquirer := NewAcquirer(testProfiles(), factory, nil)

	_, err := acquirer.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoMediaDevice)
}

func TestAcquireHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acquirer := NewAcquirer(testProfiles(), &stubFactory{}, nil)
	_, err := acquirer.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToggleKeepsTrackIdentity(t *testing.T) {
	acquirer := NewAcquirer(testProfiles(), &stubFactory{}, nil)

	endpoint, err := acquirer.Acquire(context.Background())
	require.NoError(t, err)
	defer endpoint.Release()

	var video domain.LocalTrack
	for _, track := range endpoint.Tracks {
		if track.Kind() == domain.TrackVideo {
			video = track
		}
	}
	require.NotNil(t, video)
	id := video.ID()

	assert.False(t, endpoint.ToggleVideo())
	assert.True(t, endpoint.ToggleVideo())
	assert.Equal(t, id, video.ID())
}

func TestSyntheticSourcesProduceSamples(t *testing.T) {
	factory := NewSyntheticSourceFactory()

	video, err := factory.OpenVideo(config.MediaProfile{Name: "sd", Width: 640, Height: 480, FrameRate: 30})
	require.NoError(t, err)
	defer video.Close()

	sample, err := video.Read()
	require.NoError(t, err)
	assert.NotEmpty(t, sample.Data)
	assert.Equal(t, time.Second/30, sample.Duration)

	audio, err := factory.OpenAudio()
	require.NoError(t, err)
	defer audio.Close()

	sample, err = audio.Read()
	require.NoError(t, err)
	assert.NotEmpty(t, sample.Data)
	assert.Equal(t, 20*time.Millisecond, sample.Duration)
}

func TestSyntheticVideoRejectsInvalidProfile(t *testing.T) {
	factory := NewSyntheticSourceFactory()
	_, err := factory.OpenVideo(config.MediaProfile{Name: "broken"})
	assert.Error(t, err)
}

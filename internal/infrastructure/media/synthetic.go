package media

import (
	"fmt"
	"math"
	"time"

	"mediconnect/pkg/config"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	audioFrameSize     = 160
)

// syntheticSourceFactory produces generated test-pattern sources. It stands
// in for device capture in headless deployments and under test; real capture
// plugs in through the same SourceFactory contract.
type syntheticSourceFactory struct{}

func NewSyntheticSourceFactory() SourceFactory {
	return &syntheticSourceFactory{}
}

func (f *syntheticSourceFactory) OpenVideo(profile config.MediaProfile) (FrameSource, error) {
	if profile.Width <= 0 || profile.Height <= 0 || profile.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid video profile %q: %dx%d@%d",
			profile.Name, profile.Width, profile.Height, profile.FrameRate)
	}

	return &syntheticVideoSource{
		frameDuration: time.Second / time.Duration(profile.FrameRate),
		// Payload size scaled to the frame area as a rough stand-in for an
		// encoded frame.
		frameSize: profile.Width * profile.Height / 100,
		closed:    make(chan struct{}),
	}, nil
}

func (f *syntheticSourceFactory) OpenAudio() (FrameSource, error) {
	return &syntheticAudioSource{closed: make(chan struct{})}, nil
}

type syntheticVideoSource struct {
	frameDuration time.Duration
	frameSize     int
	frameCount    uint64
	closed        chan struct{}
}

func (s *syntheticVideoSource) Read() (Sample, error) {
	select {
	case <-s.closed:
		return Sample{}, fmt.Errorf("video source closed")
	case <-time.After(s.frameDuration):
	}

	s.frameCount++
	data := make([]byte, s.frameSize)
	for i := range data {
		data[i] = byte((s.frameCount + uint64(i)) % 251)
	}

	return Sample{Data: data, Duration: s.frameDuration}, nil
}

func (s *syntheticVideoSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

type syntheticAudioSource struct {
	sampleCount uint64
	closed      chan struct{}
}

func (s *syntheticAudioSource) Read() (Sample, error) {
	select {
	case <-s.closed:
		return Sample{}, fmt.Errorf("audio source closed")
	case <-time.After(audioFrameDuration):
	}

	data := make([]byte, audioFrameSize)
	for i := range data {
		s.sampleCount++
		data[i] = byte(127 + 100*math.Sin(float64(s.sampleCount)/20))
	}

	return Sample{Data: data, Duration: audioFrameDuration}, nil
}

func (s *syntheticAudioSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

package media

import (
	"context"
	"fmt"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"
	"mediconnect/pkg/config"

	"go.uber.org/zap"
)

// Acquirer opens the local track set, trying each configured quality profile
// in order until one succeeds. A video constraint failure falls through to
// the next profile, ending with audio-only; only a fully failed list
// surfaces as a media error.
type Acquirer struct {
	profiles []config.MediaProfile
	source   SourceFactory
	logger   *zap.SugaredLogger
}

// SourceFactory opens capture sources for one profile. The default factory
// produces synthetic test sources; a device-backed factory can be plugged in
// where real capture hardware is available.
type SourceFactory interface {
	OpenVideo(profile config.MediaProfile) (FrameSource, error)
	OpenAudio() (FrameSource, error)
}

// FrameSource produces encoded media samples until closed.
type FrameSource interface {
	Read() (Sample, error)
	Close() error
}

// Sample is one encoded media frame.
type Sample struct {
	Data     []byte
	Duration time.Duration
}

func NewAcquirer(profiles []config.MediaProfile, source SourceFactory, logger *zap.SugaredLogger) ports.MediaAcquirer {
	if source == nil {
		source = NewSyntheticSourceFactory()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Acquirer{profiles: profiles, source: source, logger: logger}
}

func (a *Acquirer) Acquire(ctx context.Context) (*domain.MediaEndpoint, error) {
	if len(a.profiles) == 0 {
		return nil, domain.ErrNoMediaDevice
	}

	var lastErr error
	for _, profile := range a.profiles {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		endpoint, err := a.acquireProfile(profile)
		if err != nil {
			a.logger.Warnw("media profile unavailable, trying next",
				"profile", profile.Name,
				"error", err,
			)
			lastErr = err
			continue
		}

		a.logger.Infow("local media acquired",
			"profile", profile.Name,
			"tracks", len(endpoint.Tracks),
		)
		return endpoint, nil
	}

	return nil, fmt.Errorf("%w: %v", domain.ErrNoMediaDevice, lastErr)
}

func (a *Acquirer) acquireProfile(profile config.MediaProfile) (*domain.MediaEndpoint, error) {
	audioSource, err := a.source.OpenAudio()
	if err != nil {
		return nil, fmt.Errorf("failed to open audio source: %w", err)
	}

	audioTrack, err := newLocalTrack(domain.TrackAudio, "audio", audioSource)
	if err != nil {
		audioSource.Close()
		return nil, err
	}

	endpoint := &domain.MediaEndpoint{Tracks: []domain.LocalTrack{audioTrack}}

	if !profile.AudioOnly {
		videoSource, err := a.source.OpenVideo(profile)
		if err != nil {
			audioTrack.Stop()
			return nil, fmt.Errorf("failed to open video source: %w", err)
		}

		videoTrack, err := newLocalTrack(domain.TrackVideo, "video", videoSource)
		if err != nil {
			audioTrack.Stop()
			videoSource.Close()
			return nil, err
		}
		endpoint.Tracks = append(endpoint.Tracks, videoTrack)
	}

	return endpoint, nil
}

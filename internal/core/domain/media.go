package domain

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is one locally produced media track. Enable toggling mutates
// the same track in place; a disabled track is never re-acquired.
type LocalTrack interface {
	Kind() TrackKind
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
}

// RemoteTrack is one track received from the counterpart.
type RemoteTrack interface {
	Kind() TrackKind
	ID() string
}

// MediaEndpoint owns the local track set for the lifetime of one call.
// Only the call engine may acquire or release it.
type MediaEndpoint struct {
	Tracks []LocalTrack
}

func (e *MediaEndpoint) track(kind TrackKind) LocalTrack {
	for _, t := range e.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// ToggleVideo flips the video track's enabled flag and reports the new
// value. Safe in any call state.
func (e *MediaEndpoint) ToggleVideo() bool {
	return e.toggle(TrackVideo)
}

// ToggleAudio flips the audio track's enabled flag and reports the new
// value.
func (e *MediaEndpoint) ToggleAudio() bool {
	return e.toggle(TrackAudio)
}

func (e *MediaEndpoint) toggle(kind TrackKind) bool {
	t := e.track(kind)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return t.Enabled()
}

func (e *MediaEndpoint) VideoEnabled() bool {
	t := e.track(TrackVideo)
	return t != nil && t.Enabled()
}

func (e *MediaEndpoint) AudioEnabled() bool {
	t := e.track(TrackAudio)
	return t != nil && t.Enabled()
}

// Release stops every local track. Idempotent.
func (e *MediaEndpoint) Release() {
	for _, t := range e.Tracks {
		t.Stop()
	}
}

// RemoteMedia is the counterpart's track set once negotiation succeeds.
type RemoteMedia struct {
	From   PeerAddress
	Tracks []RemoteTrack
}

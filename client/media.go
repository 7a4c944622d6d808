package client

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalMedia is the capture side shared by every peer connection: one audio
// and/or one video track, each added to every peer. Muting flips an enabled
// flag that gates sample writes; no renegotiation happens and the tracks stay
// attached.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
}

// NewLocalMedia creates the shared tracks. Either capability may be nil to
// skip that kind entirely (audio-only calls, screen share without sound).
func NewLocalMedia(audioCodec, videoCodec *webrtc.RTPCodecCapability) (*LocalMedia, error) {
	m := &LocalMedia{}

	if audioCodec != nil {
		track, err := webrtc.NewTrackLocalStaticSample(*audioCodec, "audio", "local-media")
		if err != nil {
			return nil, err
		}
		m.audio = track
		m.audioEnabled.Store(true)
	}
	if videoCodec != nil {
		track, err := webrtc.NewTrackLocalStaticSample(*videoCodec, "video", "local-media")
		if err != nil {
			return nil, err
		}
		m.video = track
		m.videoEnabled.Store(true)
	}
	return m, nil
}

// tracks returns the local tracks to attach to a new peer connection.
func (m *LocalMedia) tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

// WriteAudioSample forwards a captured audio sample to every peer. Samples
// are dropped while audio is muted; the track itself stays live so unmuting
// is instant and requires no signaling.
func (m *LocalMedia) WriteAudioSample(sample media.Sample) error {
	if m.audio == nil || !m.audioEnabled.Load() {
		return nil
	}
	return m.audio.WriteSample(sample)
}

// WriteVideoSample forwards a captured video sample to every peer, subject to
// the video mute flag.
func (m *LocalMedia) WriteVideoSample(sample media.Sample) error {
	if m.video == nil || !m.videoEnabled.Load() {
		return nil
	}
	return m.video.WriteSample(sample)
}

func (m *LocalMedia) SetAudioEnabled(enabled bool) { m.audioEnabled.Store(enabled) }
func (m *LocalMedia) SetVideoEnabled(enabled bool) { m.videoEnabled.Store(enabled) }

func (m *LocalMedia) AudioEnabled() bool { return m.audioEnabled.Load() }
func (m *LocalMedia) VideoEnabled() bool { return m.videoEnabled.Load() }

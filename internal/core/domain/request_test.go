package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginValid(t *testing.T) {
	cases := []struct {
		origin string
		valid  bool
	}{
		{"https://app.example.com", true},
		{"http://localhost:3000", true},
		{"chrome-extension://abcdef", true},
		{"mailto:user@example.com", true},
		{"", false},
		{"not a url", false},
		{"/relative/path", false},
		{"example.com", false},
	}
	for _, tc := range cases {
		r := StreamRequest{SecurityOrigin: tc.origin}
		assert.Equal(t, tc.valid, r.OriginValid(), "origin %q", tc.origin)
	}
}

func TestRequested(t *testing.T) {
	r := StreamRequest{
		AudioType: MediaDeviceAudioCapture,
		VideoType: MediaTabVideoCapture,
	}
	assert.True(t, r.Requested(MediaDeviceAudioCapture))
	assert.True(t, r.Requested(MediaTabVideoCapture))
	assert.False(t, r.Requested(MediaDeviceVideoCapture))
	assert.False(t, r.Requested(MediaDesktopVideoCapture))
}

func TestMediaStreamTypeKinds(t *testing.T) {
	for _, audio := range []MediaStreamType{
		MediaDeviceAudioCapture, MediaTabAudioCapture, MediaLoopbackAudioCapture,
	} {
		assert.True(t, audio.IsAudio(), audio.String())
		assert.False(t, audio.IsVideo(), audio.String())
	}
	for _, video := range []MediaStreamType{
		MediaDeviceVideoCapture, MediaTabVideoCapture, MediaDesktopVideoCapture,
	} {
		assert.True(t, video.IsVideo(), video.String())
		assert.False(t, video.IsAudio(), video.String())
	}
	assert.False(t, MediaNoService.IsAudio())
	assert.False(t, MediaNoService.IsVideo())
}

func TestStreamDeviceInfoIsEqual(t *testing.T) {
	a := StreamDeviceInfo{
		Device:    MediaStreamDevice{Type: MediaDeviceAudioCapture, ID: "mic-1", Name: "Mic"},
		SessionID: 1,
	}
	b := a
	b.SessionID = 42
	assert.True(t, a.IsEqual(b), "session id is not part of hardware identity")

	b = a
	b.Device.Name = "Other"
	assert.False(t, a.IsEqual(b))

	b = a
	b.Device.Type = MediaDeviceVideoCapture
	assert.False(t, a.IsEqual(b))
}

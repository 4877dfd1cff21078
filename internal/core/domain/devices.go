package domain

// MediaStreamType identifies the kind of capture a device or a request
// side (audio/video) refers to.
type MediaStreamType int

const (
	MediaNoService MediaStreamType = iota
	MediaDeviceAudioCapture
	MediaDeviceVideoCapture
	MediaTabAudioCapture
	MediaTabVideoCapture
	MediaDesktopVideoCapture
	MediaLoopbackAudioCapture

	NumMediaStreamTypes
)

func (t MediaStreamType) String() string {
	switch t {
	case MediaNoService:
		return "no_service"
	case MediaDeviceAudioCapture:
		return "audio_capture"
	case MediaDeviceVideoCapture:
		return "video_capture"
	case MediaTabAudioCapture:
		return "tab_audio_capture"
	case MediaTabVideoCapture:
		return "tab_video_capture"
	case MediaDesktopVideoCapture:
		return "desktop_video_capture"
	case MediaLoopbackAudioCapture:
		return "loopback_audio_capture"
	}
	return "unknown"
}

// IsAudio reports whether the type carries audio.
func (t MediaStreamType) IsAudio() bool {
	return t == MediaDeviceAudioCapture ||
		t == MediaTabAudioCapture ||
		t == MediaLoopbackAudioCapture
}

// IsVideo reports whether the type carries video.
func (t MediaStreamType) IsVideo() bool {
	return t == MediaDeviceVideoCapture ||
		t == MediaTabVideoCapture ||
		t == MediaDesktopVideoCapture
}

// ChannelLayout describes the channel configuration of an audio device.
type ChannelLayout int

const (
	ChannelLayoutNone ChannelLayout = iota
	ChannelLayoutMono
	ChannelLayoutStereo
)

func (l ChannelLayout) String() string {
	switch l {
	case ChannelLayoutMono:
		return "mono"
	case ChannelLayoutStereo:
		return "stereo"
	}
	return "none"
}

// AudioParameters carries the negotiated hardware parameters of an
// audio capture device.
type AudioParameters struct {
	SampleRate      int           `json:"sample_rate"`
	ChannelLayout   ChannelLayout `json:"channel_layout"`
	FramesPerBuffer int           `json:"frames_per_buffer"`
}

// MediaStreamDevice describes one capture device. ID is origin-scoped
// (an HMAC of the hardware id and the requesting origin) by the time it
// is handed to a requester; inside provider enumerations it is the raw
// hardware id.
type MediaStreamDevice struct {
	Type MediaStreamType `json:"type"`
	ID   string          `json:"id"`
	Name string          `json:"name"`

	Input         AudioParameters `json:"input,omitempty"`
	MatchedOutput AudioParameters `json:"matched_output,omitempty"`
}

// InvalidSessionID marks a StreamDeviceInfo whose device has not been
// opened by a provider yet.
const InvalidSessionID = -1

// StreamDeviceInfo pairs a device with the provider session that was
// assigned when it was opened. The session id is the only handle used
// to close the device again.
type StreamDeviceInfo struct {
	Device    MediaStreamDevice `json:"device"`
	SessionID int               `json:"session_id"`
}

// IsEqual compares two entries by underlying hardware identity, which
// is what device-change detection cares about.
func (i StreamDeviceInfo) IsEqual(other StreamDeviceInfo) bool {
	return i.Device.Type == other.Device.Type &&
		i.Device.ID == other.Device.ID &&
		i.Device.Name == other.Device.Name
}

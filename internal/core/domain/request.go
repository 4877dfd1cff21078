package domain

import "net/url"

// RequestType distinguishes the four kinds of device requests the
// coordinator accepts.
type RequestType int

const (
	RequestGenerateStream RequestType = iota
	RequestEnumerateDevices
	RequestOpenDevice
	RequestDeviceAccess
)

func (t RequestType) String() string {
	switch t {
	case RequestGenerateStream:
		return "generate_stream"
	case RequestEnumerateDevices:
		return "enumerate_devices"
	case RequestOpenDevice:
		return "open_device"
	case RequestDeviceAccess:
		return "device_access"
	}
	return "unknown"
}

// RequestState tracks the lifecycle of one media type within a request.
type RequestState int

const (
	RequestStateNotRequested RequestState = iota
	RequestStateRequested
	RequestStatePendingApproval
	RequestStateOpening
	RequestStateDone
	RequestStateClosing
	RequestStateError
)

func (s RequestState) String() string {
	switch s {
	case RequestStateNotRequested:
		return "not_requested"
	case RequestStateRequested:
		return "requested"
	case RequestStatePendingApproval:
		return "pending_approval"
	case RequestStateOpening:
		return "opening"
	case RequestStateDone:
		return "done"
	case RequestStateClosing:
		return "closing"
	case RequestStateError:
		return "error"
	}
	return "unknown"
}

// StreamOptions are the caller-supplied knobs of a request.
type StreamOptions struct {
	AudioType     MediaStreamType
	VideoType     MediaStreamType
	AudioDeviceID string
	VideoDeviceID string
}

// ResourceContext carries per-profile security material. The device id
// salt keys the HMAC that turns hardware device ids into origin-scoped
// ids.
type ResourceContext struct {
	DeviceIDSalt string
}

// StreamRequest is the canonical, immutable-after-setup record of one
// device request. RenderProcessID/RenderViewID identify the capture
// target; for tab capture they are rewritten during setup to point at
// the captured tab rather than the requesting view.
type StreamRequest struct {
	RenderProcessID int
	RenderViewID    int
	PageRequestID   int

	SecurityOrigin string
	Type           RequestType

	RequestedAudioDeviceID string
	RequestedVideoDeviceID string

	AudioType MediaStreamType
	VideoType MediaStreamType

	// Composite id encoding the tab capture target, set during setup.
	TabCaptureDeviceID string
}

// Requested reports whether the request asked for the given type on
// either side.
func (r *StreamRequest) Requested(t MediaStreamType) bool {
	return r.AudioType == t || r.VideoType == t
}

// OriginValid reports whether the security origin parses as an
// absolute URL.
func (r *StreamRequest) OriginValid() bool {
	u, err := url.Parse(r.SecurityOrigin)
	if err != nil {
		return false
	}
	return u.Scheme != "" && (u.Host != "" || u.Opaque != "")
}

package ports

import (
	"mediagate/internal/core/domain"
)

// Requester receives the results of device requests it submitted. All
// callbacks are invoked from the coordination goroutine; implementations
// must not call back into the coordinator synchronously.
type Requester interface {
	StreamGenerated(label string, audio, video []domain.StreamDeviceInfo)
	StreamGenerationFailed(label string)
	DeviceOpened(label string, device domain.StreamDeviceInfo)
	DevicesEnumerated(label string, devices []domain.StreamDeviceInfo)
	DeviceStopped(renderViewID int, label string, device domain.StreamDeviceInfo)
}

// ProviderSink is the callback side of a DeviceProvider. Providers may
// run enumeration and open on their own goroutines but must deliver
// completions through this interface only.
type ProviderSink interface {
	Opened(streamType domain.MediaStreamType, sessionID int)
	Closed(streamType domain.MediaStreamType, sessionID int)
	DevicesEnumerated(streamType domain.MediaStreamType, devices []domain.StreamDeviceInfo)
}

// DeviceProvider enumerates and opens capture devices of one media
// kind (audio input or video input). Open returns the session id
// immediately; the open itself completes later via the sink.
type DeviceProvider interface {
	Register(sink ProviderSink)
	Unregister()
	Enumerate(streamType domain.MediaStreamType)
	Open(device domain.StreamDeviceInfo) int
	Close(sessionID int)
	OpenedDeviceInfo(sessionID int) (domain.StreamDeviceInfo, bool)
}

// UIProxy is the permission oracle for one request. RequestAccess must
// eventually invoke respond exactly once, with the approved devices or
// an empty slice for denial. OnStarted registers a hook fired once the
// stream is running; invoking the supplied stop function tears the
// stream down.
type UIProxy interface {
	RequestAccess(request *domain.StreamRequest, respond func(devices []domain.MediaStreamDevice))
	OnStarted(stop func())
}

// AccessCheckCallback delivers the outcome of a device-access request
// to its internal caller together with the UI proxy whose ownership
// transfers to the callback.
type AccessCheckCallback func(devices []domain.MediaStreamDevice, ui UIProxy)

// MediaObserver receives cross-cutting notifications about request
// state transitions and device list changes. Injected at construction;
// may be nil.
type MediaObserver interface {
	OnRequestStateChanged(renderProcessID, renderViewID, pageRequestID int,
		device domain.MediaStreamDevice, state domain.RequestState)
	OnAudioCaptureDevicesChanged(devices []domain.MediaStreamDevice)
	OnVideoCaptureDevicesChanged(devices []domain.MediaStreamDevice)
}

// MetricsRecorder abstracts the metrics backend so the coordinator does
// not depend on the monitoring infrastructure directly.
type MetricsRecorder interface {
	RequestAdded(requestType domain.RequestType)
	RequestFinished(requestType domain.RequestType, outcome string, seconds float64)
	SessionOpened(streamType domain.MediaStreamType)
	SessionClosed(streamType domain.MediaStreamType)
	EnumerationStarted(streamType domain.MediaStreamType)
	DevicesKnown(streamType domain.MediaStreamType, count int)
}

// Coordinator is the public surface of the media session coordinator.
// Entry points return the request label synchronously while processing
// continues on the coordination goroutine.
type Coordinator interface {
	GenerateStream(requester Requester, renderProcessID, renderViewID int,
		rc *domain.ResourceContext, pageRequestID int,
		options domain.StreamOptions, securityOrigin string) string

	OpenDevice(requester Requester, renderProcessID, renderViewID int,
		rc *domain.ResourceContext, pageRequestID int,
		deviceID string, streamType domain.MediaStreamType, securityOrigin string) string

	EnumerateDevices(requester Requester, renderProcessID, renderViewID int,
		rc *domain.ResourceContext, pageRequestID int,
		streamType domain.MediaStreamType, securityOrigin string) string

	MakeAccessRequest(renderProcessID, renderViewID, pageRequestID int,
		options domain.StreamOptions, securityOrigin string,
		callback AccessCheckCallback) string

	CancelRequest(label string)
	CancelAllRequests(renderProcessID int)
	StopStreamDevice(renderProcessID, renderViewID int, deviceID string)
	DevicesOpenedByRequest(label string) ([]domain.StreamDeviceInfo, error)

	EnsureDeviceMonitorStarted()
	NumRequests() int
}

package services

import (
	"time"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// deviceRequest is one live entry in the request table. It is created
// on a top-level entry point, mutated only on the coordination
// goroutine and destroyed exactly once.
type deviceRequest struct {
	// requester may be nil; nil means the result is delivered through
	// callback only (device-access requests).
	requester ports.Requester

	request domain.StreamRequest

	// The process/view that submitted the request and will receive the
	// stream handle. These may differ from request.RenderProcessID and
	// request.RenderViewID, which for tab capture identify the captured
	// tab instead.
	requestingProcessID int
	requestingViewID    int

	resourceContext *domain.ResourceContext

	devices []domain.StreamDeviceInfo

	// Only set for device-access requests.
	callback ports.AccessCheckCallback

	uiProxy ports.UIProxy

	observer  ports.MediaObserver
	createdAt time.Time

	state [domain.NumMediaStreamTypes]domain.RequestState
}

func newDeviceRequest(requester ports.Requester, request domain.StreamRequest,
	requestingProcessID, requestingViewID int, rc *domain.ResourceContext,
	observer ports.MediaObserver) *deviceRequest {
	return &deviceRequest{
		requester:           requester,
		request:             request,
		requestingProcessID: requestingProcessID,
		requestingViewID:    requestingViewID,
		resourceContext:     rc,
		observer:            observer,
		createdAt:           time.Now(),
	}
}

// setState updates the state of one media type, or of every type when
// streamType is NumMediaStreamTypes, and notifies the observer for the
// transitions that have externally visible effects: tab capture
// requests and any transition into closing.
func (r *deviceRequest) setState(streamType domain.MediaStreamType, newState domain.RequestState) {
	if streamType == domain.NumMediaStreamTypes {
		for t := domain.MediaNoService + 1; t < domain.NumMediaStreamTypes; t++ {
			r.state[t] = newState
		}
	} else {
		r.state[streamType] = newState
	}

	if r.request.VideoType != domain.MediaTabVideoCapture &&
		r.request.AudioType != domain.MediaTabAudioCapture &&
		newState != domain.RequestStateClosing {
		return
	}
	if r.observer == nil {
		return
	}

	// The tab capture scheme is internal to the coordinator; strip it
	// before handing the id to observers.
	deviceID := StripTabCaptureScheme(r.request.TabCaptureDeviceID)
	r.observer.OnRequestStateChanged(
		r.request.RenderProcessID, r.request.RenderViewID, r.request.PageRequestID,
		domain.MediaStreamDevice{Type: streamType, ID: deviceID, Name: deviceID},
		newState)
}

func (r *deviceRequest) stateOf(streamType domain.MediaStreamType) domain.RequestState {
	return r.state[streamType]
}

// done reports whether every requested media type has reached a
// terminal state. Types that were not requested are vacuously
// satisfied.
func (r *deviceRequest) done() bool {
	if r.request.AudioType.IsAudio() {
		s := r.stateOf(r.request.AudioType)
		if s != domain.RequestStateDone && s != domain.RequestStateError {
			return false
		}
	}
	if r.request.VideoType.IsVideo() {
		s := r.stateOf(r.request.VideoType)
		if s != domain.RequestStateDone && s != domain.RequestStateError {
			return false
		}
	}
	return true
}

// Package ui contains permission oracle implementations. The real
// permission frontend lives outside this process; FakeUIProxy stands in
// for it in tests and headless deployments.
package ui

import (
	"sync"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// FakeUIProxy auto-approves access requests from the available device
// lists: the first matching device of each requested kind is granted.
type FakeUIProxy struct {
	mu        sync.Mutex
	available []domain.MediaStreamDevice
	started   []func()

	// Deny forces a denial (empty device list) regardless of the
	// available devices.
	Deny bool
}

var _ ports.UIProxy = (*FakeUIProxy)(nil)

func NewFakeUIProxy(available []domain.MediaStreamDevice) *FakeUIProxy {
	return &FakeUIProxy{available: available}
}

// RequestAccess approves the request asynchronously, mimicking a user
// who instantly accepts the prompt.
func (u *FakeUIProxy) RequestAccess(request *domain.StreamRequest,
	respond func(devices []domain.MediaStreamDevice)) {

	u.mu.Lock()
	deny := u.Deny
	available := append([]domain.MediaStreamDevice(nil), u.available...)
	u.mu.Unlock()

	go func() {
		if deny {
			respond(nil)
			return
		}
		respond(selectDevices(request, available))
	}()
}

// OnStarted records the stop hook. Tests trigger it through Stop.
func (u *FakeUIProxy) OnStarted(stop func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.started = append(u.started, stop)
}

// Stop fires every registered stream-started stop hook, as if the user
// dismissed the capture indicator.
func (u *FakeUIProxy) Stop() {
	u.mu.Lock()
	hooks := u.started
	u.started = nil
	u.mu.Unlock()
	for _, stop := range hooks {
		stop()
	}
}

// selectDevices grants the requested device of each kind, or the first
// available one when no specific device was requested. Tab and desktop
// capture kinds have no enumerable devices; they are granted as
// synthetic devices.
func selectDevices(request *domain.StreamRequest, available []domain.MediaStreamDevice) []domain.MediaStreamDevice {
	var granted []domain.MediaStreamDevice

	grant := func(t domain.MediaStreamType, requestedID string) {
		switch t {
		case domain.MediaNoService:
			return
		case domain.MediaTabAudioCapture, domain.MediaTabVideoCapture,
			domain.MediaDesktopVideoCapture, domain.MediaLoopbackAudioCapture:
			granted = append(granted, domain.MediaStreamDevice{Type: t})
			return
		}
		var fallback *domain.MediaStreamDevice
		for i, d := range available {
			if d.Type != t {
				continue
			}
			if requestedID != "" && d.ID == requestedID {
				granted = append(granted, d)
				return
			}
			if fallback == nil {
				fallback = &available[i]
			}
		}
		if fallback != nil {
			granted = append(granted, *fallback)
		}
	}

	grant(request.AudioType, request.RequestedAudioDeviceID)
	grant(request.VideoType, request.RequestedVideoDeviceID)
	return granted
}

// Package fake implements in-process device providers with
// configurable device lists. They are used in tests and when the
// server runs with use_fake_devices enabled.
package fake

import (
	"sync"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// Device seeds one fake capture device.
type Device struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Provider is a DeviceProvider backed by a plain device list.
// Enumeration and open completions are delivered asynchronously on a
// separate goroutine, matching the threading contract of real capture
// backends.
type Provider struct {
	streamType domain.MediaStreamType

	mu            sync.Mutex
	sink          ports.ProviderSink
	devices       []domain.StreamDeviceInfo
	opened        map[int]domain.StreamDeviceInfo
	nextSessionID int
}

var _ ports.DeviceProvider = (*Provider)(nil)

// NewProvider builds a provider for one media kind seeded with the
// given devices.
func NewProvider(streamType domain.MediaStreamType, seed []Device) *Provider {
	p := &Provider{
		streamType: streamType,
		opened:     make(map[int]domain.StreamDeviceInfo),
	}
	for _, d := range seed {
		p.devices = append(p.devices, domain.StreamDeviceInfo{
			Device: domain.MediaStreamDevice{
				Type: streamType,
				ID:   d.ID,
				Name: d.Name,
				Input: domain.AudioParameters{
					SampleRate:      48000,
					ChannelLayout:   domain.ChannelLayoutStereo,
					FramesPerBuffer: 480,
				},
			},
			SessionID: domain.InvalidSessionID,
		})
	}
	return p
}

func (p *Provider) Register(sink ports.ProviderSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *Provider) Unregister() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = nil
}

func (p *Provider) Enumerate(streamType domain.MediaStreamType) {
	p.mu.Lock()
	sink := p.sink
	devices := append([]domain.StreamDeviceInfo(nil), p.devices...)
	p.mu.Unlock()

	if sink == nil {
		return
	}
	go sink.DevicesEnumerated(streamType, devices)
}

func (p *Provider) Open(device domain.StreamDeviceInfo) int {
	p.mu.Lock()
	p.nextSessionID++
	sessionID := p.nextSessionID
	p.opened[sessionID] = device
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		// Completions carry the opened device's own stream type so
		// requests for tab and desktop capture match their sessions.
		go sink.Opened(device.Device.Type, sessionID)
	}
	return sessionID
}

func (p *Provider) Close(sessionID int) {
	p.mu.Lock()
	info, ok := p.opened[sessionID]
	delete(p.opened, sessionID)
	sink := p.sink
	p.mu.Unlock()

	if sink != nil && ok {
		go sink.Closed(info.Device.Type, sessionID)
	}
}

func (p *Provider) OpenedDeviceInfo(sessionID int) (domain.StreamDeviceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.opened[sessionID]
	return info, ok
}

// AddDevice plugs a device in. The new list is not announced; trigger a
// re-enumeration through the coordinator to simulate a hot-plug event.
func (p *Provider) AddDevice(d Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, domain.StreamDeviceInfo{
		Device: domain.MediaStreamDevice{
			Type: p.streamType,
			ID:   d.ID,
			Name: d.Name,
		},
		SessionID: domain.InvalidSessionID,
	})
}

// RemoveDevice unplugs a device by raw hardware id.
func (p *Provider) RemoveDevice(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.devices[:0]
	for _, info := range p.devices {
		if info.Device.ID != deviceID {
			kept = append(kept, info)
		}
	}
	p.devices = kept
}

// NumOpen reports how many sessions are currently open.
func (p *Provider) NumOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

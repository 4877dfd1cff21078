package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

const testOrigin = "https://app.example.com"

// eventLog records the global order of callbacks across the test
// doubles that share it.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) record(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// testProvider is a DeviceProvider whose completions are delivered
// synchronously as posted tasks, keeping test execution deterministic.
type testProvider struct {
	streamType domain.MediaStreamType

	mu           sync.Mutex
	trace        *eventLog
	sink         ports.ProviderSink
	devices      []domain.StreamDeviceInfo
	opened       map[int]domain.StreamDeviceInfo
	closed       []int
	nextSession  int
	enumerations int
	openCalls    int
}

func newTestProvider(streamType domain.MediaStreamType, ids ...string) *testProvider {
	p := &testProvider{streamType: streamType, opened: make(map[int]domain.StreamDeviceInfo)}
	for _, id := range ids {
		p.devices = append(p.devices, domain.StreamDeviceInfo{
			Device: domain.MediaStreamDevice{
				Type: streamType,
				ID:   id,
				Name: "name of " + id,
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

func (p *testProvider) Register(sink ports.ProviderSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *testProvider) Unregister() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = nil
}

func (p *testProvider) Enumerate(streamType domain.MediaStreamType) {
	p.mu.Lock()
	p.enumerations++
	sink := p.sink
	devices := append([]domain.StreamDeviceInfo(nil), p.devices...)
	p.mu.Unlock()
	if sink != nil {
		sink.DevicesEnumerated(streamType, devices)
	}
}

func (p *testProvider) Open(device domain.StreamDeviceInfo) int {
	p.mu.Lock()
	p.nextSession++
	p.openCalls++
	sessionID := p.nextSession
	p.opened[sessionID] = device
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.Opened(device.Device.Type, sessionID)
	}
	return sessionID
}

func (p *testProvider) Close(sessionID int) {
	p.mu.Lock()
	delete(p.opened, sessionID)
	p.closed = append(p.closed, sessionID)
	sink := p.sink
	trace := p.trace
	p.mu.Unlock()
	if trace != nil {
		trace.record("close")
	}
	if sink != nil {
		sink.Closed(p.streamType, sessionID)
	}
}

func (p *testProvider) OpenedDeviceInfo(sessionID int) (domain.StreamDeviceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.opened[sessionID]
	return info, ok
}

func (p *testProvider) numOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

func (p *testProvider) numOpenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCalls
}

func (p *testProvider) numEnumerations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enumerations
}

func (p *testProvider) removeDevice(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.devices[:0]
	for _, info := range p.devices {
		if info.Device.ID != id {
			kept = append(kept, info)
		}
	}
	p.devices = kept
}

func (p *testProvider) addDevice(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, domain.StreamDeviceInfo{
		Device:    domain.MediaStreamDevice{Type: p.streamType, ID: id, Name: "name of " + id},
		SessionID: domain.InvalidSessionID,
	})
}

type generatedEvent struct {
	label string
	audio []domain.StreamDeviceInfo
	video []domain.StreamDeviceInfo
}

type openedEvent struct {
	label  string
	device domain.StreamDeviceInfo
}

type enumeratedEvent struct {
	label   string
	devices []domain.StreamDeviceInfo
}

type stoppedEvent struct {
	renderViewID int
	label        string
	device       domain.StreamDeviceInfo
}

// testRequester records every callback it receives.
type testRequester struct {
	mu         sync.Mutex
	trace      *eventLog
	generated  []generatedEvent
	failed     []string
	opened     []openedEvent
	enumerated []enumeratedEvent
	stopped    []stoppedEvent
}

func (r *testRequester) StreamGenerated(label string, audio, video []domain.StreamDeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generated = append(r.generated, generatedEvent{label: label, audio: audio, video: video})
}

func (r *testRequester) StreamGenerationFailed(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, label)
}

func (r *testRequester) DeviceOpened(label string, device domain.StreamDeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, openedEvent{label: label, device: device})
}

func (r *testRequester) DevicesEnumerated(label string, devices []domain.StreamDeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enumerated = append(r.enumerated, enumeratedEvent{label: label, devices: devices})
}

func (r *testRequester) DeviceStopped(renderViewID int, label string, device domain.StreamDeviceInfo) {
	r.mu.Lock()
	trace := r.trace
	r.stopped = append(r.stopped, stoppedEvent{renderViewID: renderViewID, label: label, device: device})
	r.mu.Unlock()
	if trace != nil {
		trace.record("device_stopped:" + label)
	}
}

func (r *testRequester) generatedEvents() []generatedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]generatedEvent(nil), r.generated...)
}

func (r *testRequester) failedLabels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

func (r *testRequester) openedEvents() []openedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]openedEvent(nil), r.opened...)
}

func (r *testRequester) enumeratedEvents() []enumeratedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]enumeratedEvent(nil), r.enumerated...)
}

func (r *testRequester) stoppedEvents() []stoppedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stoppedEvent(nil), r.stopped...)
}

const (
	uiModeGrant  = "grant"
	uiModeDeny   = "deny"
	uiModeManual = "manual"
)

// testUI is a permission oracle whose answers are synchronous in grant
// and deny mode and held back for the test to fire in manual mode.
type testUI struct {
	mode string

	mu        sync.Mutex
	available []domain.MediaStreamDevice
	request   domain.StreamRequest
	respond   func(devices []domain.MediaStreamDevice)
	started   []func()
}

func (u *testUI) RequestAccess(request *domain.StreamRequest,
	respond func(devices []domain.MediaStreamDevice)) {

	u.mu.Lock()
	u.request = *request
	u.respond = respond
	mode := u.mode
	available := append([]domain.MediaStreamDevice(nil), u.available...)
	u.mu.Unlock()

	switch mode {
	case uiModeGrant:
		respond(pickDevices(request, available))
	case uiModeDeny:
		respond(nil)
	}
}

func (u *testUI) OnStarted(stop func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.started = append(u.started, stop)
}

func (u *testUI) answer(devices []domain.MediaStreamDevice) {
	u.mu.Lock()
	respond := u.respond
	u.mu.Unlock()
	respond(devices)
}

func (u *testUI) fireStop() {
	u.mu.Lock()
	hooks := append([]func(){}, u.started...)
	u.started = nil
	u.mu.Unlock()
	for _, stop := range hooks {
		stop()
	}
}

func pickDevices(request *domain.StreamRequest, available []domain.MediaStreamDevice) []domain.MediaStreamDevice {
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

type stateChange struct {
	renderProcessID int
	renderViewID    int
	pageRequestID   int
	device          domain.MediaStreamDevice
	state           domain.RequestState
}

type testObserver struct {
	mu           sync.Mutex
	stateChanges []stateChange
}

func (o *testObserver) OnRequestStateChanged(renderProcessID, renderViewID, pageRequestID int,
	device domain.MediaStreamDevice, state domain.RequestState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateChanges = append(o.stateChanges, stateChange{
		renderProcessID: renderProcessID,
		renderViewID:    renderViewID,
		pageRequestID:   pageRequestID,
		device:          device,
		state:           state,
	})
}

func (o *testObserver) OnAudioCaptureDevicesChanged(devices []domain.MediaStreamDevice) {}
func (o *testObserver) OnVideoCaptureDevicesChanged(devices []domain.MediaStreamDevice) {}

func (o *testObserver) changes() []stateChange {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]stateChange(nil), o.stateChanges...)
}

type fixture struct {
	audio *testProvider
	video *testProvider

	mu     sync.Mutex
	uiMode string
	uis    []*testUI

	observer    *testObserver
	coordinator *Coordinator
	rc          *domain.ResourceContext
}

func newFixture(t *testing.T, uiMode string) *fixture {
	t.Helper()
	f := &fixture{
		audio:    newTestProvider(domain.MediaDeviceAudioCapture, "mic-1", "mic-2"),
		video:    newTestProvider(domain.MediaDeviceVideoCapture, "cam-1"),
		uiMode:   uiMode,
		observer: &testObserver{},
		rc:       &domain.ResourceContext{DeviceIDSalt: "test-salt"},
	}
	f.coordinator = NewCoordinator(CoordinatorConfig{
		AudioProvider:           f.audio,
		VideoProvider:           f.video,
		UIProxy:                 f.newUI,
		Observer:                f.observer,
		DefaultOutputSampleRate: 48000,
	})
	t.Cleanup(f.coordinator.Close)
	return f
}

func (f *fixture) newUI(available []domain.MediaStreamDevice) ports.UIProxy {
	u := &testUI{mode: f.uiMode, available: available}
	f.mu.Lock()
	f.uis = append(f.uis, u)
	f.mu.Unlock()
	return u
}

func (f *fixture) lastUI(t *testing.T) *testUI {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.uis, "no UI proxy was created")
	return f.uis[len(f.uis)-1]
}

// settle drains the coordination goroutine. Each barrier runs after
// every task queued before it, so repeated barriers flush chains of
// tasks that enqueue follow-up turns.
func (f *fixture) settle() {
	for i := 0; i < 16; i++ {
		f.coordinator.postAndWait(func() {})
	}
}

func (f *fixture) scoped(rawID string) string {
	return HMACForMediaDeviceID(f.rc, testOrigin, rawID)
}

func TestGenerateStreamOpensRequestedDevices(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{
			AudioType: domain.MediaDeviceAudioCapture,
			VideoType: domain.MediaDeviceVideoCapture,
		}, testOrigin)
	require.NotEmpty(t, label)
	f.settle()

	events := requester.generatedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, label, events[0].label)
	require.Len(t, events[0].audio, 1)
	require.Len(t, events[0].video, 1)

	audio := events[0].audio[0]
	assert.NotEqual(t, domain.InvalidSessionID, audio.SessionID)
	assert.NotEqual(t, "mic-1", audio.Device.ID)
	assert.True(t, MediaDeviceIDMatchesHMAC(f.rc, testOrigin, audio.Device.ID, "mic-1"))
	assert.Equal(t, 48000, audio.Device.Input.SampleRate)

	video := events[0].video[0]
	assert.True(t, MediaDeviceIDMatchesHMAC(f.rc, testOrigin, video.Device.ID, "cam-1"))

	assert.Equal(t, 1, f.audio.numOpen())
	assert.Equal(t, 1, f.video.numOpen())
	assert.Equal(t, 1, f.coordinator.NumRequests())
}

func TestGenerateStreamDenied(t *testing.T) {
	f := newFixture(t, uiModeDeny)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()

	assert.Equal(t, []string{label}, requester.failedLabels())
	assert.Empty(t, requester.generatedEvents())
	assert.Equal(t, 0, f.audio.numOpen())
	assert.Equal(t, 0, f.coordinator.NumRequests())
}

func TestGenerateStreamInvalidOrigin(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, "not a url")
	f.settle()

	assert.Equal(t, []string{label}, requester.failedLabels())
	assert.Equal(t, 0, f.audio.numEnumerations())
	assert.Equal(t, 0, f.coordinator.NumRequests())
}

func TestOpenDeviceByScopedID(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.OpenDevice(requester, 1, 2, f.rc, 10,
		f.scoped("mic-2"), domain.MediaDeviceAudioCapture, testOrigin)
	f.settle()

	events := requester.openedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, label, events[0].label)
	assert.Equal(t, f.scoped("mic-2"), events[0].device.Device.ID)
	assert.Equal(t, "name of mic-2", events[0].device.Device.Name)
	assert.NotEqual(t, domain.InvalidSessionID, events[0].device.SessionID)

	// The request stays live until it is explicitly torn down.
	assert.Equal(t, 1, f.coordinator.NumRequests())
	f.coordinator.CancelRequest(label)
	f.settle()
	assert.Equal(t, 0, f.coordinator.NumRequests())
	assert.Equal(t, 0, f.audio.numOpen())
}

func TestOpenDeviceUnknownIDFallsBackToAnyDevice(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	f.coordinator.OpenDevice(requester, 1, 2, f.rc, 10,
		"no-such-scoped-id", domain.MediaDeviceAudioCapture, testOrigin)
	f.settle()

	// An untranslatable requested id degrades to "any device of that
	// kind" instead of failing the request.
	events := requester.openedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, f.scoped("mic-1"), events[0].device.Device.ID)
	assert.Empty(t, requester.failedLabels())
}

func TestGenerateStreamSharesOpenWithinView(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	r1 := &testRequester{}
	r2 := &testRequester{}

	scoped := f.scoped("mic-1")
	f.coordinator.GenerateStream(r1, 1, 2, f.rc, 10,
		domain.StreamOptions{
			AudioType:     domain.MediaDeviceAudioCapture,
			AudioDeviceID: scoped,
		}, testOrigin)
	f.settle()
	f.coordinator.GenerateStream(r2, 1, 2, f.rc, 11,
		domain.StreamOptions{
			AudioType:     domain.MediaDeviceAudioCapture,
			AudioDeviceID: scoped,
		}, testOrigin)
	f.settle()

	e1 := r1.generatedEvents()
	e2 := r2.generatedEvents()
	require.Len(t, e1, 1)
	require.Len(t, e2, 1)
	require.Len(t, e1[0].audio, 1)
	require.Len(t, e2[0].audio, 1)

	// The same physical device in the same view shares one session.
	assert.Equal(t, e1[0].audio[0].SessionID, e2[0].audio[0].SessionID)
	assert.Equal(t, 1, f.audio.numOpenCalls())

	// Stopping the shared device tears down both streams.
	f.coordinator.StopStreamDevice(1, 2, scoped)
	f.settle()
	assert.Equal(t, 0, f.coordinator.NumRequests())
	assert.Equal(t, 0, f.audio.numOpen())
}

func TestSeparateViewsDoNotShareOpens(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	r1 := &testRequester{}
	r2 := &testRequester{}

	f.coordinator.GenerateStream(r1, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()
	f.coordinator.GenerateStream(r2, 1, 3, f.rc, 11,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()

	assert.Equal(t, 2, f.audio.numOpenCalls())
	assert.Equal(t, 2, f.audio.numOpen())
}

func TestCancelRequestClosesOpenedDevices(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{
			AudioType: domain.MediaDeviceAudioCapture,
			VideoType: domain.MediaDeviceVideoCapture,
		}, testOrigin)
	f.settle()
	require.Equal(t, 1, f.audio.numOpen())

	f.coordinator.CancelRequest(label)
	f.settle()

	assert.Equal(t, 0, f.coordinator.NumRequests())
	assert.Equal(t, 0, f.audio.numOpen())
	assert.Equal(t, 0, f.video.numOpen())
}

func TestCancelBeforeOracleAnswers(t *testing.T) {
	f := newFixture(t, uiModeManual)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()
	ui := f.lastUI(t)

	f.coordinator.CancelRequest(label)
	f.settle()
	assert.Equal(t, 0, f.coordinator.NumRequests())
	assert.Equal(t, 0, f.audio.numOpen())

	// A late answer from the oracle must be a harmless no-op.
	ui.answer([]domain.MediaStreamDevice{{Type: domain.MediaDeviceAudioCapture, ID: "mic-1"}})
	f.settle()
	assert.Equal(t, 0, f.audio.numOpen())
	assert.Empty(t, requester.generatedEvents())
	assert.Empty(t, requester.failedLabels())
}

func TestCancelAllRequestsScopedToProcess(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	r1 := &testRequester{}
	r2 := &testRequester{}

	f.coordinator.GenerateStream(r1, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.coordinator.GenerateStream(r2, 7, 2, f.rc, 11,
		domain.StreamOptions{VideoType: domain.MediaDeviceVideoCapture}, testOrigin)
	f.settle()
	require.Equal(t, 2, f.coordinator.NumRequests())

	f.coordinator.CancelAllRequests(1)
	f.settle()

	assert.Equal(t, 1, f.coordinator.NumRequests())
	assert.Equal(t, 0, f.audio.numOpen())
	assert.Equal(t, 1, f.video.numOpen())
}

func TestEnumerateDevicesDeliversScopedIDs(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.EnumerateDevices(requester, 1, 2, f.rc, 10,
		domain.MediaDeviceAudioCapture, testOrigin)
	f.settle()

	events := requester.enumeratedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, label, events[0].label)
	require.Len(t, events[0].devices, 2)
	assert.Equal(t, f.scoped("mic-1"), events[0].devices[0].Device.ID)
	assert.Equal(t, f.scoped("mic-2"), events[0].devices[1].Device.ID)

	// Enumeration subscriptions stay registered until cancelled.
	assert.Equal(t, 1, f.coordinator.NumRequests())
}

func TestEnumerateRedeliveredOnDeviceChange(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.EnumerateDevices(requester, 1, 2, f.rc, 10,
		domain.MediaDeviceAudioCapture, testOrigin)
	f.settle()
	require.Len(t, requester.enumeratedEvents(), 1)

	f.audio.addDevice("usb-mic")
	f.coordinator.OnDevicesChanged(domain.MediaDeviceAudioCapture)
	f.settle()

	events := requester.enumeratedEvents()
	require.Len(t, events, 2)
	assert.Len(t, events[1].devices, 3)

	// An unchanged list is not re-delivered.
	f.coordinator.OnDevicesChanged(domain.MediaDeviceAudioCapture)
	f.settle()
	assert.Len(t, requester.enumeratedEvents(), 2)

	f.coordinator.CancelRequest(label)
	f.audio.addDevice("another-mic")
	f.coordinator.OnDevicesChanged(domain.MediaDeviceAudioCapture)
	f.settle()
	assert.Len(t, requester.enumeratedEvents(), 2)
}

func TestUnpluggedDeviceStopsStreams(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	scoped := f.scoped("mic-1")
	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{
			AudioType:     domain.MediaDeviceAudioCapture,
			AudioDeviceID: scoped,
		}, testOrigin)
	f.settle()
	require.Equal(t, 1, f.audio.numOpen())

	f.audio.removeDevice("mic-1")
	f.coordinator.OnDevicesChanged(domain.MediaDeviceAudioCapture)
	f.settle()

	stops := requester.stoppedEvents()
	require.Len(t, stops, 1)
	assert.Equal(t, label, stops[0].label)
	assert.Equal(t, 2, stops[0].renderViewID)
	assert.Equal(t, scoped, stops[0].device.Device.ID)

	assert.Equal(t, 0, f.audio.numOpen())
	assert.Equal(t, 0, f.coordinator.NumRequests())
}

// When a device shared by several requests is unplugged, every
// requester hears device-stopped before the provider session is closed.
func TestUnplugNotifiesAllSiblingsBeforeClose(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	trace := &eventLog{}
	f.audio.trace = trace
	first := &testRequester{trace: trace}
	second := &testRequester{trace: trace}

	scoped := f.scoped("mic-1")
	options := domain.StreamOptions{
		AudioType:     domain.MediaDeviceAudioCapture,
		AudioDeviceID: scoped,
	}
	firstLabel := f.coordinator.GenerateStream(first, 1, 2, f.rc, 10, options, testOrigin)
	secondLabel := f.coordinator.GenerateStream(second, 1, 2, f.rc, 11, options, testOrigin)
	f.settle()
	require.Equal(t, 1, f.audio.numOpen(), "siblings share one session")

	f.audio.removeDevice("mic-1")
	f.coordinator.OnDevicesChanged(domain.MediaDeviceAudioCapture)
	f.settle()

	require.Len(t, first.stoppedEvents(), 1)
	require.Len(t, second.stoppedEvents(), 1)

	entries := trace.all()
	firstClose := -1
	for i, entry := range entries {
		if entry == "close" {
			firstClose = i
			break
		}
	}
	require.NotEqual(t, -1, firstClose, "session should be closed")
	assert.Contains(t, entries[:firstClose], "device_stopped:"+firstLabel)
	assert.Contains(t, entries[:firstClose], "device_stopped:"+secondLabel)

	assert.Equal(t, 0, f.audio.numOpen())
	assert.Equal(t, 0, f.coordinator.NumRequests())
}

func TestMakeAccessRequestGranted(t *testing.T) {
	f := newFixture(t, uiModeGrant)

	var (
		mu      sync.Mutex
		devices []domain.MediaStreamDevice
		ui      ports.UIProxy
		called  bool
	)
	f.coordinator.MakeAccessRequest(1, 2, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin,
		func(granted []domain.MediaStreamDevice, proxy ports.UIProxy) {
			mu.Lock()
			defer mu.Unlock()
			devices = granted
			ui = proxy
			called = true
		})
	f.settle()

	mu.Lock()
	defer mu.Unlock()
	require.True(t, called)
	require.Len(t, devices, 1)
	// Access checks report the raw device; nothing is opened.
	assert.Equal(t, "mic-1", devices[0].ID)
	assert.NotNil(t, ui)
	assert.Equal(t, 0, f.audio.numOpen())
	assert.Equal(t, 0, f.coordinator.NumRequests())
}

func TestMakeAccessRequestDenied(t *testing.T) {
	f := newFixture(t, uiModeDeny)

	var (
		mu      sync.Mutex
		called  bool
		devices []domain.MediaStreamDevice
	)
	f.coordinator.MakeAccessRequest(1, 2, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin,
		func(granted []domain.MediaStreamDevice, proxy ports.UIProxy) {
			mu.Lock()
			defer mu.Unlock()
			called = true
			devices = granted
		})
	f.settle()

	mu.Lock()
	defer mu.Unlock()
	require.True(t, called)
	assert.Empty(t, devices)
	assert.Equal(t, 0, f.coordinator.NumRequests())
}

func TestTabCaptureTargetsCapturedTab(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{
			AudioType:     domain.MediaTabAudioCapture,
			VideoType:     domain.MediaTabVideoCapture,
			VideoDeviceID: TabCaptureTargetID(7, 9),
		}, testOrigin)
	f.settle()

	events := requester.generatedEvents()
	require.Len(t, events, 1)
	require.Len(t, events[0].audio, 1)
	require.Len(t, events[0].video, 1)

	// Granted tab devices carry the composite id of the captured tab.
	assert.Equal(t, "tab-media-stream://7:9", events[0].video[0].Device.ID)
	assert.Equal(t, "tab-media-stream://7:9", events[0].audio[0].Device.ID)

	// Tab audio skips enumeration; parameters are seeded from the
	// configured output sample rate.
	assert.Equal(t, 48000, events[0].audio[0].Device.Input.SampleRate)
	assert.Equal(t, domain.ChannelLayoutStereo, events[0].audio[0].Device.Input.ChannelLayout)

	// State transitions are reported against the captured tab, with the
	// scheme stripped from the device id.
	changes := f.observer.changes()
	require.NotEmpty(t, changes)
	for _, change := range changes {
		assert.Equal(t, 7, change.renderProcessID)
		assert.Equal(t, 9, change.renderViewID)
		assert.Equal(t, "7:9", change.device.ID)
	}
}

func TestTabCaptureRejectsBadTarget(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{
			VideoType:     domain.MediaTabVideoCapture,
			VideoDeviceID: "not-a-target",
		}, testOrigin)
	f.settle()

	assert.Equal(t, []string{label}, requester.failedLabels())
	assert.Equal(t, 0, f.coordinator.NumRequests())
}

func TestScreenCaptureCombinations(t *testing.T) {
	cases := []struct {
		name      string
		audioType domain.MediaStreamType
		videoType domain.MediaStreamType
		ok        bool
	}{
		{"video only", domain.MediaNoService, domain.MediaDesktopVideoCapture, true},
		{"video with loopback audio", domain.MediaLoopbackAudioCapture, domain.MediaDesktopVideoCapture, true},
		{"device audio is rejected", domain.MediaDeviceAudioCapture, domain.MediaDesktopVideoCapture, false},
		{"loopback audio alone is rejected", domain.MediaLoopbackAudioCapture, domain.MediaNoService, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, uiModeGrant)
			requester := &testRequester{}

			label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
				domain.StreamOptions{AudioType: tc.audioType, VideoType: tc.videoType}, testOrigin)
			f.settle()

			if tc.ok {
				assert.Len(t, requester.generatedEvents(), 1)
				assert.Empty(t, requester.failedLabels())
			} else {
				assert.Equal(t, []string{label}, requester.failedLabels())
				assert.Empty(t, requester.generatedEvents())
			}
		})
	}
}

func TestStopFromPermissionUI(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()
	require.Len(t, requester.generatedEvents(), 1)

	f.lastUI(t).fireStop()
	f.settle()

	stops := requester.stoppedEvents()
	require.Len(t, stops, 1)
	assert.Equal(t, label, stops[0].label)
	assert.Equal(t, 0, f.coordinator.NumRequests())
	assert.Equal(t, 0, f.audio.numOpen())
}

func TestWarmCacheServesWithoutReenumeration(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	f.coordinator.EnsureDeviceMonitorStarted()
	f.settle()
	require.Equal(t, 1, f.audio.numEnumerations())

	f.coordinator.EnumerateDevices(requester, 1, 2, f.rc, 10,
		domain.MediaDeviceAudioCapture, testOrigin)
	f.settle()

	require.Len(t, requester.enumeratedEvents(), 1)
	assert.Equal(t, 1, f.audio.numEnumerations())

	f.coordinator.GenerateStream(requester, 1, 2, f.rc, 11,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()

	assert.Len(t, requester.generatedEvents(), 1)
	assert.Equal(t, 1, f.audio.numEnumerations())
}

func TestConcurrentEnumerationsShareOneScan(t *testing.T) {
	f := newFixture(t, uiModeManual)
	r1 := &testRequester{}
	r2 := &testRequester{}

	// Two generate-stream requests before any cache is warm trigger at
	// most one provider scan per kind.
	f.coordinator.GenerateStream(r1, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.coordinator.GenerateStream(r2, 1, 3, f.rc, 11,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()

	assert.Equal(t, 1, f.audio.numEnumerations())
}

func TestDevicesOpenedByRequest(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	requester := &testRequester{}

	label := f.coordinator.GenerateStream(requester, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	f.settle()

	devices, err := f.coordinator.DevicesOpenedByRequest(label)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, f.scoped("mic-1"), devices[0].Device.ID)

	_, err = f.coordinator.DevicesOpenedByRequest("no-such-label")
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
}

func TestSubmitAfterCloseReturnsEmptyLabel(t *testing.T) {
	f := newFixture(t, uiModeGrant)
	f.coordinator.Close()

	label := f.coordinator.GenerateStream(&testRequester{}, 1, 2, f.rc, 10,
		domain.StreamOptions{AudioType: domain.MediaDeviceAudioCapture}, testOrigin)
	assert.Empty(t, label)
}

package services

import (
	"time"

	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// UIProxyFactory builds the permission oracle for one request. The
// currently cached devices of both kinds are passed in so fake
// implementations can auto-approve from them.
type UIProxyFactory func(available []domain.MediaStreamDevice) ports.UIProxy

// CoordinatorConfig carries the construction-time dependencies of the
// coordinator. Observer and Metrics may be nil.
type CoordinatorConfig struct {
	AudioProvider ports.DeviceProvider
	VideoProvider ports.DeviceProvider
	UIProxy       UIProxyFactory
	Observer      ports.MediaObserver
	Metrics       ports.MetricsRecorder

	// Sample rate of the system default output stream, used to seed
	// audio parameters for tab audio capture where enumeration is
	// skipped.
	DefaultOutputSampleRate int

	Logger *zap.SugaredLogger
}

// Coordinator arbitrates access to capture devices on behalf of many
// concurrent requesters. All request table, cache and state mutation
// happens on a single coordination goroutine; providers and the
// permission oracle deliver their completions back onto it through the
// task queue, so none of that state needs locking.
type Coordinator struct {
	logger  *zap.SugaredLogger
	metrics ports.MetricsRecorder

	audioProvider ports.DeviceProvider
	videoProvider ports.DeviceProvider
	uiFactory     UIProxyFactory
	observer      ports.MediaObserver

	defaultOutputSampleRate int

	tasks *taskQueue
	done  chan struct{}

	// Coordination-goroutine-only state below.
	requests           map[string]*deviceRequest
	audioCache         enumerationCache
	videoCache         enumerationCache
	activeEnumerations [domain.NumMediaStreamTypes]int
	monitoringStarted  bool
}

var _ ports.Coordinator = (*Coordinator)(nil)
var _ ports.ProviderSink = (*Coordinator)(nil)

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		logger:                  cfg.Logger,
		metrics:                 cfg.Metrics,
		audioProvider:           cfg.AudioProvider,
		videoProvider:           cfg.VideoProvider,
		uiFactory:               cfg.UIProxy,
		observer:                cfg.Observer,
		defaultOutputSampleRate: cfg.DefaultOutputSampleRate,
		tasks:                   newTaskQueue(),
		done:                    make(chan struct{}),
		requests:                make(map[string]*deviceRequest),
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	c.audioProvider.Register(c)
	c.videoProvider.Register(c)

	go c.run()
	return c
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		task, ok := c.tasks.next()
		if !ok {
			return
		}
		task()
	}
}

// post schedules a task onto the coordination goroutine.
func (c *Coordinator) post(task func()) bool {
	return c.tasks.post(task)
}

// postAndWait runs a task on the coordination goroutine and blocks the
// caller until it has finished. Must not be called from the
// coordination goroutine itself.
func (c *Coordinator) postAndWait(task func()) {
	ran := make(chan struct{})
	if !c.post(func() {
		task()
		close(ran)
	}) {
		return
	}
	<-ran
}

// Close stops monitoring, detaches from the providers and shuts down
// the coordination goroutine after draining queued tasks. Any request
// still live at this point is not cancelled; the coordinator is
// expected to outlive all of them.
func (c *Coordinator) Close() {
	c.postAndWait(func() {
		if len(c.requests) != 0 {
			c.logger.Warnw("coordinator closing with live requests", "count", len(c.requests))
		}
		c.stopMonitoring()
		c.audioProvider.Unregister()
		c.videoProvider.Unregister()
	})
	c.tasks.close()
	<-c.done
}

// GenerateStream submits a request for a full bundle of opened audio
// and video devices. Processing is deferred to a later scheduling turn
// so the returned label is always known to the caller before any
// callback referencing it can fire.
func (c *Coordinator) GenerateStream(requester ports.Requester,
	renderProcessID, renderViewID int, rc *domain.ResourceContext,
	pageRequestID int, options domain.StreamOptions, securityOrigin string) string {

	request := domain.StreamRequest{
		RenderProcessID:        renderProcessID,
		RenderViewID:           renderViewID,
		PageRequestID:          pageRequestID,
		SecurityOrigin:         securityOrigin,
		Type:                   domain.RequestGenerateStream,
		RequestedAudioDeviceID: options.AudioDeviceID,
		RequestedVideoDeviceID: options.VideoDeviceID,
		AudioType:              options.AudioType,
		VideoType:              options.VideoType,
	}
	dr := newDeviceRequest(requester, request, renderProcessID, renderViewID, rc, c.observer)
	return c.submit(dr, c.setupRequest)
}

// OpenDevice submits a request for one specific device by id.
func (c *Coordinator) OpenDevice(requester ports.Requester,
	renderProcessID, renderViewID int, rc *domain.ResourceContext,
	pageRequestID int, deviceID string, streamType domain.MediaStreamType,
	securityOrigin string) string {

	request := domain.StreamRequest{
		RenderProcessID: renderProcessID,
		RenderViewID:    renderViewID,
		PageRequestID:   pageRequestID,
		SecurityOrigin:  securityOrigin,
		Type:            domain.RequestOpenDevice,
	}
	switch {
	case streamType.IsAudio():
		request.AudioType = streamType
		request.RequestedAudioDeviceID = deviceID
	case streamType.IsVideo():
		request.VideoType = streamType
		request.RequestedVideoDeviceID = deviceID
	default:
		c.logger.Errorw("open device with unusable stream type", "type", streamType)
		return ""
	}
	dr := newDeviceRequest(requester, request, renderProcessID, renderViewID, rc, c.observer)
	return c.submit(dr, c.setupRequest)
}

// EnumerateDevices submits a request for the device list of one kind.
// The request stays registered and is re-delivered on device changes
// until it is cancelled.
func (c *Coordinator) EnumerateDevices(requester ports.Requester,
	renderProcessID, renderViewID int, rc *domain.ResourceContext,
	pageRequestID int, streamType domain.MediaStreamType, securityOrigin string) string {

	request := domain.StreamRequest{
		RenderProcessID: renderProcessID,
		RenderViewID:    renderViewID,
		PageRequestID:   pageRequestID,
		SecurityOrigin:  securityOrigin,
		Type:            domain.RequestEnumerateDevices,
	}
	switch streamType {
	case domain.MediaDeviceAudioCapture:
		request.AudioType = streamType
	case domain.MediaDeviceVideoCapture:
		request.VideoType = streamType
	default:
		c.logger.Errorw("enumerate with unusable stream type", "type", streamType)
		return ""
	}
	dr := newDeviceRequest(requester, request, renderProcessID, renderViewID, rc, c.observer)
	return c.submit(dr, c.doEnumerateDevices)
}

// MakeAccessRequest verifies capability and permission like a
// generate-stream request but opens nothing; the raw device list and
// the decision are delivered to callback.
func (c *Coordinator) MakeAccessRequest(renderProcessID, renderViewID, pageRequestID int,
	options domain.StreamOptions, securityOrigin string,
	callback ports.AccessCheckCallback) string {

	request := domain.StreamRequest{
		RenderProcessID: renderProcessID,
		RenderViewID:    renderViewID,
		PageRequestID:   pageRequestID,
		SecurityOrigin:  securityOrigin,
		Type:            domain.RequestDeviceAccess,
		AudioType:       options.AudioType,
		VideoType:       options.VideoType,
	}
	dr := newDeviceRequest(nil, request, renderProcessID, renderViewID, nil, c.observer)
	dr.callback = callback
	return c.submit(dr, c.setupRequest)
}

// submit registers the request under a fresh label and schedules the
// processing continuation as a separate turn.
func (c *Coordinator) submit(dr *deviceRequest, process func(label string)) string {
	labelc := make(chan string, 1)
	posted := c.post(func() {
		label := c.addRequest(dr)
		labelc <- label
		c.post(func() { process(label) })
	})
	if !posted {
		return ""
	}
	return <-labelc
}

// CancelRequest cancels the request with the given label, closing any
// devices it has already opened. An unknown label is treated as an
// already cancelled request.
func (c *Coordinator) CancelRequest(label string) {
	c.post(func() { c.cancelRequest(label) })
}

// CancelAllRequests cancels every request submitted by the given
// process.
func (c *Coordinator) CancelAllRequests(renderProcessID int) {
	c.post(func() {
		// Collect labels first: cancelling mutates the table.
		var labels []string
		for label, dr := range c.requests {
			if dr.requestingProcessID == renderProcessID {
				labels = append(labels, label)
			}
		}
		for _, label := range labels {
			c.cancelRequest(label)
		}
	})
}

// StopStreamDevice stops the device with the given origin-scoped id in
// the first matching generate-stream request of the given view.
func (c *Coordinator) StopStreamDevice(renderProcessID, renderViewID int, deviceID string) {
	c.post(func() {
		c.logger.Debugw("stop stream device",
			"render_process_id", renderProcessID,
			"render_view_id", renderViewID,
			"device_id", deviceID)
		for _, dr := range c.requests {
			if dr.requestingProcessID != renderProcessID ||
				dr.requestingViewID != renderViewID ||
				dr.request.Type != domain.RequestGenerateStream {
				continue
			}
			for _, info := range dr.devices {
				if info.Device.ID == deviceID {
					c.stopDevice(info.Device.Type, info.SessionID)
					return
				}
			}
		}
		c.logger.Warnw("stop stream device", "device_id", deviceID,
			"error", domain.ErrDeviceNotFound)
	})
}

// DevicesOpenedByRequest returns a copy of the devices opened so far by
// the labelled request, or ErrRequestNotFound for an unknown label.
func (c *Coordinator) DevicesOpenedByRequest(label string) ([]domain.StreamDeviceInfo, error) {
	var devices []domain.StreamDeviceInfo
	err := domain.ErrRequestNotFound
	c.postAndWait(func() {
		if dr := c.findRequest(label); dr != nil {
			devices = append(devices, dr.devices...)
			err = nil
		}
	})
	return devices, err
}

// NumRequests reports the current size of the request table.
func (c *Coordinator) NumRequests() int {
	var n int
	c.postAndWait(func() { n = len(c.requests) })
	return n
}

// EnsureDeviceMonitorStarted starts hot-plug monitoring and the first
// enumeration of both kinds if that has not happened yet.
func (c *Coordinator) EnsureDeviceMonitorStarted() {
	c.post(func() { c.startMonitoring() })
}

// OnDevicesChanged is the hot-plug notification entry point. A new
// enumeration is started even if one is already outstanding, because
// the outstanding one may predate the change.
func (c *Coordinator) OnDevicesChanged(streamType domain.MediaStreamType) {
	c.post(func() {
		if streamType != domain.MediaDeviceAudioCapture &&
			streamType != domain.MediaDeviceVideoCapture {
			return
		}
		c.activeEnumerations[streamType]++
		if c.metrics != nil {
			c.metrics.EnumerationStarted(streamType)
		}
		c.providerFor(streamType).Enumerate(streamType)
	})
}

// Opened implements ports.ProviderSink.
func (c *Coordinator) Opened(streamType domain.MediaStreamType, sessionID int) {
	c.post(func() { c.handleOpened(streamType, sessionID) })
}

// Closed implements ports.ProviderSink.
func (c *Coordinator) Closed(streamType domain.MediaStreamType, sessionID int) {
	// Close completions carry no state the coordinator still tracks.
}

// DevicesEnumerated implements ports.ProviderSink.
func (c *Coordinator) DevicesEnumerated(streamType domain.MediaStreamType, devices []domain.StreamDeviceInfo) {
	c.post(func() { c.handleDevicesEnumerated(streamType, devices) })
}

// --- coordination goroutine only below this point ---

func (c *Coordinator) addRequest(dr *deviceRequest) string {
	var label string
	for {
		label = randomLabel()
		if _, taken := c.requests[label]; !taken {
			break
		}
	}
	c.requests[label] = dr
	if c.metrics != nil {
		c.metrics.RequestAdded(dr.request.Type)
	}
	return label
}

func (c *Coordinator) findRequest(label string) *deviceRequest {
	return c.requests[label]
}

func (c *Coordinator) deleteRequest(label string, outcome string) {
	dr, ok := c.requests[label]
	if !ok {
		// Deleting a request twice is a programming error.
		c.logger.Panicw("request deleted twice", "label", label)
	}
	delete(c.requests, label)
	if c.metrics != nil {
		c.metrics.RequestFinished(dr.request.Type, outcome, time.Since(dr.createdAt).Seconds())
	}
}

// setupRequest decides the processing path of a freshly registered
// request: validate, handle tab and screen capture specially, make sure
// the enumeration caches are fresh, then hand over to the permission
// oracle.
func (c *Coordinator) setupRequest(label string) {
	dr := c.findRequest(label)
	if dr == nil {
		// The request was cancelled before this turn ran.
		c.logger.Debugw("setup for missing request", "label", label)
		return
	}

	if !dr.request.OriginValid() {
		c.logger.Errorw("invalid security origin", "label", label, "origin", dr.request.SecurityOrigin)
		c.finalizeRequestFailed(label, dr, domain.ErrInvalidOrigin)
		return
	}

	audioType := dr.request.AudioType
	videoType := dr.request.VideoType

	isTabCapture := audioType == domain.MediaTabAudioCapture ||
		videoType == domain.MediaTabVideoCapture
	if isTabCapture && !c.setupTabCapture(dr) {
		c.finalizeRequestFailed(label, dr, domain.ErrInvalidTabCapture)
		return
	}

	isScreenCapture := videoType == domain.MediaDesktopVideoCapture ||
		audioType == domain.MediaLoopbackAudioCapture
	if isScreenCapture && !c.setupScreenCapture(dr) {
		c.finalizeRequestFailed(label, dr, domain.ErrInvalidScreenCapture)
		return
	}

	if !isTabCapture && !isScreenCapture &&
		((audioType.IsAudio() && !c.audioCache.valid) ||
			(videoType.IsVideo() && !c.videoCache.valid)) {
		// No fresh device list; enumerate first. The continuation runs
		// from handleDevicesEnumerated once every requested kind has a
		// fresh cache.
		c.startEnumeration(dr)
		return
	}
	c.postRequestToUI(label, dr)
}

// setupTabCapture validates and normalizes a tab capture request. The
// composite device id encodes the target process and view, which
// replace the ones in the request record.
func (c *Coordinator) setupTabCapture(dr *deviceRequest) bool {
	request := &dr.request

	requestedID := request.RequestedVideoDeviceID
	if requestedID == "" {
		requestedID = request.RequestedAudioDeviceID
	}
	tabCaptureDeviceID := AppendTabCaptureScheme(requestedID)

	targetProcessID, targetViewID, ok := ExtractTabCaptureTarget(tabCaptureDeviceID)
	if !ok ||
		(request.AudioType != domain.MediaTabAudioCapture &&
			request.AudioType != domain.MediaNoService) ||
		(request.VideoType != domain.MediaTabVideoCapture &&
			request.VideoType != domain.MediaNoService) {
		c.logger.Warnw("invalid tab capture request",
			"device_id", requestedID,
			"audio_type", request.AudioType,
			"video_type", request.VideoType)
		return false
	}

	request.TabCaptureDeviceID = tabCaptureDeviceID
	request.RenderProcessID = targetProcessID
	request.RenderViewID = targetViewID
	c.logger.Debugw("tab capture target",
		"tab_capture_device_id", tabCaptureDeviceID,
		"target_process_id", targetProcessID,
		"target_view_id", targetViewID)
	return true
}

// setupScreenCapture checks the only two legal screen capture
// combinations: video alone, or video plus loopback audio.
func (c *Coordinator) setupScreenCapture(dr *deviceRequest) bool {
	request := &dr.request
	if request.VideoType != domain.MediaDesktopVideoCapture ||
		(request.AudioType != domain.MediaNoService &&
			request.AudioType != domain.MediaLoopbackAudioCapture) {
		c.logger.Errorw("invalid screen capture request",
			"audio_type", request.AudioType,
			"video_type", request.VideoType)
		return false
	}
	return true
}

// startEnumeration kicks off enumeration for every kind the request
// asked for, deduplicating against enumerations already in flight.
func (c *Coordinator) startEnumeration(dr *deviceRequest) {
	c.startMonitoring()

	for t := domain.MediaNoService + 1; t < domain.NumMediaStreamTypes; t++ {
		if !dr.request.Requested(t) {
			continue
		}
		dr.setState(t, domain.RequestStateRequested)
		if c.activeEnumerations[t] == 0 {
			c.activeEnumerations[t]++
			if c.metrics != nil {
				c.metrics.EnumerationStarted(t)
			}
			c.providerFor(t).Enumerate(t)
		}
	}
}

func (c *Coordinator) startMonitoring() {
	if c.monitoringStarted {
		return
	}
	c.monitoringStarted = true

	// Warm both caches so device change notifications have a baseline.
	for _, t := range []domain.MediaStreamType{
		domain.MediaDeviceAudioCapture, domain.MediaDeviceVideoCapture} {
		c.activeEnumerations[t]++
		if c.metrics != nil {
			c.metrics.EnumerationStarted(t)
		}
		c.providerFor(t).Enumerate(t)
	}
	c.logger.Infow("device monitoring started")
}

func (c *Coordinator) stopMonitoring() {
	if !c.monitoringStarted {
		return
	}
	c.monitoringStarted = false
	c.audioCache.clear()
	c.videoCache.clear()
	c.logger.Infow("device monitoring stopped")
}

// postRequestToUI forwards the request to the permission oracle after
// translating any requested origin-scoped device ids back to hardware
// ids.
func (c *Coordinator) postRequestToUI(label string, dr *deviceRequest) {
	c.logger.Debugw("posting request to UI", "label", label)

	c.translateRequestedDeviceIDs(dr)

	if dr.request.AudioType.IsAudio() {
		dr.setState(dr.request.AudioType, domain.RequestStatePendingApproval)
	}
	if dr.request.VideoType.IsVideo() {
		dr.setState(dr.request.VideoType, domain.RequestStatePendingApproval)
	}

	dr.uiProxy = c.uiFactory(c.availableDevices())
	dr.uiProxy.RequestAccess(&dr.request, func(devices []domain.MediaStreamDevice) {
		c.post(func() { c.handleAccessResponse(label, devices) })
	})
}

// translateRequestedDeviceIDs maps requested origin-scoped ids back to
// hardware ids via the enumeration caches. A requested id that cannot
// be translated is cleared rather than failing the request, degrading
// the device preference to "any device of that kind".
func (c *Coordinator) translateRequestedDeviceIDs(dr *deviceRequest) {
	request := &dr.request

	if request.AudioType == domain.MediaDeviceAudioCapture && request.RequestedAudioDeviceID != "" {
		deviceID, ok := c.translateSourceIDToDeviceID(domain.MediaDeviceAudioCapture,
			dr.resourceContext, request.SecurityOrigin, request.RequestedAudioDeviceID)
		if !ok {
			c.logger.Warnw("requested audio device does not exist",
				"source_id", request.RequestedAudioDeviceID)
			deviceID = ""
		}
		request.RequestedAudioDeviceID = deviceID
	}

	if request.VideoType == domain.MediaDeviceVideoCapture && request.RequestedVideoDeviceID != "" {
		deviceID, ok := c.translateSourceIDToDeviceID(domain.MediaDeviceVideoCapture,
			dr.resourceContext, request.SecurityOrigin, request.RequestedVideoDeviceID)
		if !ok {
			c.logger.Warnw("requested video device does not exist",
				"source_id", request.RequestedVideoDeviceID)
			deviceID = ""
		}
		request.RequestedVideoDeviceID = deviceID
	}
}

// translateSourceIDToDeviceID resolves an origin-scoped id to the raw
// hardware id by linear search through the relevant cache.
func (c *Coordinator) translateSourceIDToDeviceID(streamType domain.MediaStreamType,
	rc *domain.ResourceContext, securityOrigin, sourceID string) (string, bool) {

	cache := c.cacheFor(streamType)
	// Without a fresh enumeration there is nothing to match against.
	if !cache.valid {
		return "", false
	}
	for _, info := range cache.devices {
		if MediaDeviceIDMatchesHMAC(rc, securityOrigin, sourceID, info.Device.ID) {
			return info.Device.ID, true
		}
	}
	return "", false
}

// translateDeviceIDToSourceID replaces the raw hardware id with the
// origin-scoped id before a device is stored on or delivered to a
// request.
func (c *Coordinator) translateDeviceIDToSourceID(dr *deviceRequest, device *domain.MediaStreamDevice) {
	if dr.request.AudioType == domain.MediaDeviceAudioCapture ||
		dr.request.VideoType == domain.MediaDeviceVideoCapture {
		device.ID = HMACForMediaDeviceID(dr.resourceContext, dr.request.SecurityOrigin, device.ID)
	}
}

// availableDevices snapshots the device part of both caches, for fake
// permission oracles that approve from the cached lists.
func (c *Coordinator) availableDevices() []domain.MediaStreamDevice {
	var devices []domain.MediaStreamDevice
	if c.audioCache.valid {
		for _, info := range c.audioCache.devices {
			devices = append(devices, info.Device)
		}
	}
	if c.videoCache.valid {
		for _, info := range c.videoCache.devices {
			devices = append(devices, info.Device)
		}
	}
	return devices
}

// doEnumerateDevices serves an enumeration request from the cache when
// possible, otherwise starts a fresh enumeration.
func (c *Coordinator) doEnumerateDevices(label string) {
	dr := c.findRequest(label)
	if dr == nil {
		return
	}

	var streamType domain.MediaStreamType
	if dr.request.AudioType == domain.MediaDeviceAudioCapture {
		streamType = domain.MediaDeviceAudioCapture
	} else {
		streamType = domain.MediaDeviceVideoCapture
	}

	cache := c.cacheFor(streamType)
	if cache.valid {
		dr.setState(streamType, domain.RequestStateRequested)
		dr.devices = append([]domain.StreamDeviceInfo(nil), cache.devices...)
		c.finalizeEnumerateDevices(label, dr)
	} else {
		c.startEnumeration(dr)
	}
	c.logger.Debugw("enumerate devices", "label", label, "type", streamType)
}

// handleAccessResponse processes the permission oracle's answer.
func (c *Coordinator) handleAccessResponse(label string, devices []domain.MediaStreamDevice) {
	dr := c.findRequest(label)
	if dr == nil {
		// The request was cancelled before the oracle answered.
		return
	}
	c.logger.Debugw("access request response", "label", label, "devices", len(devices))

	if dr.request.Type == domain.RequestDeviceAccess {
		c.finalizeMediaAccess(label, dr, devices)
		return
	}

	if len(devices) == 0 {
		c.finalizeRequestFailed(label, dr, domain.ErrAccessDenied)
		return
	}

	foundAudio := false
	foundVideo := false
	for _, device := range devices {
		info := domain.StreamDeviceInfo{Device: device, SessionID: domain.InvalidSessionID}

		// The tab capture id was stripped before prompting; re-attach
		// it, and seed audio parameters for tab audio since those
		// requests never went through enumeration.
		if info.Device.Type == domain.MediaTabVideoCapture ||
			info.Device.Type == domain.MediaTabAudioCapture {
			info.Device.ID = dr.request.TabCaptureDeviceID
			if info.Device.Type == domain.MediaTabAudioCapture {
				sampleRate := c.defaultOutputSampleRate
				if sampleRate <= 0 || sampleRate > 96000 {
					sampleRate = 44100
				}
				info.Device.Input.SampleRate = sampleRate
				info.Device.Input.ChannelLayout = domain.ChannelLayoutStereo
			}
		}

		if info.Device.Type == dr.request.AudioType {
			foundAudio = true
		} else if info.Device.Type == dr.request.VideoType {
			foundVideo = true
		}

		// For generate-stream, a device is opened at most once per
		// requesting view so that one stop call revokes it for every
		// stream sharing it.
		if dr.request.Type == domain.RequestGenerateStream {
			if existing, state, ok := c.findExistingDeviceInfo(dr, device); ok {
				dr.devices = append(dr.devices, existing)
				dr.setState(existing.Device.Type, state)
				c.logger.Debugw("device already opened for view",
					"label", label, "device_id", device.ID)
				continue
			}
		}

		info.SessionID = c.providerFor(info.Device.Type).Open(info)
		c.translateDeviceIDToSourceID(dr, &info.Device)
		dr.devices = append(dr.devices, info)
		dr.setState(info.Device.Type, domain.RequestStateOpening)
		if c.metrics != nil {
			c.metrics.SessionOpened(info.Device.Type)
		}
		c.logger.Debugw("opening device",
			"label", label, "device_id", info.Device.ID, "session_id", info.SessionID)
	}

	if !foundAudio && dr.request.AudioType.IsAudio() {
		dr.setState(dr.request.AudioType, domain.RequestStateError)
	}
	if !foundVideo && dr.request.VideoType.IsVideo() {
		dr.setState(dr.request.VideoType, domain.RequestStateError)
	}

	if dr.done() {
		c.handleRequestDone(label, dr)
	}
}

// findExistingDeviceInfo looks for the same physical device already
// opened by any request of the same view and request kind.
func (c *Coordinator) findExistingDeviceInfo(newRequest *deviceRequest,
	newDevice domain.MediaStreamDevice) (domain.StreamDeviceInfo, domain.RequestState, bool) {

	sourceID := HMACForMediaDeviceID(newRequest.resourceContext,
		newRequest.request.SecurityOrigin, newDevice.ID)

	for _, dr := range c.requests {
		if dr.requestingProcessID != newRequest.requestingProcessID ||
			dr.requestingViewID != newRequest.requestingViewID ||
			dr.request.Type != newRequest.request.Type {
			continue
		}
		for _, info := range dr.devices {
			if info.Device.ID == sourceID && info.Device.Type == newDevice.Type {
				return info, dr.stateOf(info.Device.Type), true
			}
		}
	}
	return domain.StreamDeviceInfo{}, domain.RequestStateNotRequested, false
}

// handleOpened advances every request containing the session that just
// finished opening. One completion can advance several requests since
// views share device opens.
func (c *Coordinator) handleOpened(streamType domain.MediaStreamType, sessionID int) {
	c.logger.Debugw("device opened", "type", streamType, "session_id", sessionID)

	for label, dr := range c.requests {
		for i := range dr.devices {
			info := &dr.devices[i]
			if info.Device.Type != streamType || info.SessionID != sessionID {
				continue
			}
			if dr.stateOf(streamType) != domain.RequestStateOpening {
				c.logger.Panicw("open completion for device not opening",
					"label", label, "type", streamType, "session_id", sessionID)
			}
			dr.setState(streamType, domain.RequestStateDone)

			// Store the negotiated hardware parameters. Tab audio keeps
			// the defaults set when the response was handled.
			if streamType.IsAudio() && streamType != domain.MediaTabAudioCapture {
				if opened, ok := c.audioProvider.OpenedDeviceInfo(sessionID); ok {
					info.Device.Input = opened.Device.Input
					info.Device.MatchedOutput = opened.Device.MatchedOutput
				}
			}

			if dr.done() {
				c.handleRequestDone(label, dr)
			}
			break
		}
	}
}

// handleRequestDone finalizes a request once every requested kind has
// reached a terminal state.
func (c *Coordinator) handleRequestDone(label string, dr *deviceRequest) {
	c.logger.Debugw("request done", "label", label, "type", dr.request.Type)

	switch dr.request.Type {
	case domain.RequestOpenDevice:
		c.finalizeOpenDevice(label, dr)
	case domain.RequestGenerateStream:
		c.finalizeGenerateStream(label, dr)
	default:
		c.logger.Panicw("request done for unexpected type",
			"label", label, "type", dr.request.Type)
	}

	if dr.uiProxy != nil {
		dr.uiProxy.OnStarted(func() {
			c.post(func() { c.stopStreamFromUI(label) })
		})
	}
}

func (c *Coordinator) finalizeGenerateStream(label string, dr *deviceRequest) {
	var audioDevices, videoDevices []domain.StreamDeviceInfo
	for _, info := range dr.devices {
		switch {
		case info.Device.Type.IsAudio():
			audioDevices = append(audioDevices, info)
		case info.Device.Type.IsVideo():
			videoDevices = append(videoDevices, info)
		}
	}
	dr.requester.StreamGenerated(label, audioDevices, videoDevices)
}

func (c *Coordinator) finalizeOpenDevice(label string, dr *deviceRequest) {
	dr.requester.DeviceOpened(label, dr.devices[0])
}

// finalizeEnumerateDevices delivers the (origin-scoped) device list to
// the requester. An invalid origin gets an empty list.
func (c *Coordinator) finalizeEnumerateDevices(label string, dr *deviceRequest) {
	if !dr.request.OriginValid() {
		dr.requester.DevicesEnumerated(label, nil)
		return
	}
	for i := range dr.devices {
		c.translateDeviceIDToSourceID(dr, &dr.devices[i].Device)
	}
	dr.requester.DevicesEnumerated(label, dr.devices)
}

func (c *Coordinator) finalizeMediaAccess(label string, dr *deviceRequest, devices []domain.MediaStreamDevice) {
	if dr.callback != nil {
		dr.callback(devices, dr.uiProxy)
	}
	c.deleteRequest(label, "completed")
}

func (c *Coordinator) finalizeRequestFailed(label string, dr *deviceRequest, cause error) {
	c.logger.Infow("request failed", "label", label, "cause", cause)
	if dr.requester != nil {
		dr.requester.StreamGenerationFailed(label)
	}
	if dr.request.Type == domain.RequestDeviceAccess && dr.callback != nil {
		dr.callback(nil, dr.uiProxy)
	}
	c.deleteRequest(label, "failed")
}

// cancelRequest tears one request down: opening and opened devices are
// closed, the closing transition is broadcast, and the request is
// removed from the table.
func (c *Coordinator) cancelRequest(label string) {
	dr := c.findRequest(label)
	if dr == nil {
		c.logger.Errorw("cancel for unknown label", "label", label)
		return
	}
	c.logger.Debugw("cancel request", "label", label)

	if dr.request.Type == domain.RequestEnumerateDevices {
		c.deleteRequest(label, "cancelled")
		return
	}

	for _, info := range dr.devices {
		state := dr.stateOf(info.Device.Type)
		// Devices never asked to open need no close.
		if state != domain.RequestStateOpening && state != domain.RequestStateDone {
			continue
		}
		c.closeDevice(info.Device.Type, info.SessionID)
	}

	dr.setState(domain.NumMediaStreamTypes, domain.RequestStateClosing)
	c.deleteRequest(label, "cancelled")
}

// stopStreamFromUI is the teardown hook fired when the permission UI's
// stop control is used. Every device is reported stopped to the
// requester before the request is cancelled.
func (c *Coordinator) stopStreamFromUI(label string) {
	dr := c.findRequest(label)
	if dr == nil {
		return
	}
	if dr.requester != nil {
		for _, info := range dr.devices {
			dr.requester.DeviceStopped(dr.requestingViewID, label, info)
		}
	}
	c.cancelRequest(label)
}

// stopDevice removes a session from every request holding it, closing
// it where it was fully open, and deletes requests whose device list
// becomes empty.
func (c *Coordinator) stopDevice(streamType domain.MediaStreamType, sessionID int) {
	c.logger.Debugw("stop device", "type", streamType, "session_id", sessionID)

	var emptied []string
	for label, dr := range c.requests {
		kept := dr.devices[:0]
		for _, info := range dr.devices {
			if info.Device.Type != streamType || info.SessionID != sessionID {
				kept = append(kept, info)
				continue
			}
			if dr.stateOf(streamType) == domain.RequestStateDone {
				c.closeDevice(streamType, sessionID)
			}
		}
		dr.devices = kept
		if len(dr.devices) == 0 {
			emptied = append(emptied, label)
		}
	}
	for _, label := range emptied {
		c.deleteRequest(label, "stopped")
	}
}

// closeDevice closes the provider session and broadcasts the closing
// transition to every request sharing it.
func (c *Coordinator) closeDevice(streamType domain.MediaStreamType, sessionID int) {
	c.logger.Debugw("close device", "type", streamType, "session_id", sessionID)
	c.providerFor(streamType).Close(sessionID)
	if c.metrics != nil {
		c.metrics.SessionClosed(streamType)
	}

	for _, dr := range c.requests {
		for _, info := range dr.devices {
			if info.SessionID == sessionID && info.Device.Type == streamType {
				dr.setState(streamType, domain.RequestStateClosing)
			}
		}
	}
}

// handleDevicesEnumerated reconciles a finished enumeration with the
// cache and with every request waiting on the device list.
func (c *Coordinator) handleDevicesEnumerated(streamType domain.MediaStreamType,
	devices []domain.StreamDeviceInfo) {

	c.logger.Debugw("devices enumerated", "type", streamType, "count", len(devices))

	cache := c.cacheFor(streamType)
	changed := !cache.sameDevices(devices)
	if changed {
		c.stopRemovedDevices(cache.devices, devices)
		cache.update(devices)
		if c.metrics != nil {
			c.metrics.DevicesKnown(streamType, len(devices))
		}
	}

	if changed && c.monitoringStarted {
		c.notifyDevicesChanged(streamType, devices)
	}

	// Collect the waiting labels before touching any request: the
	// continuations below can mutate the table.
	var labels []string
	for label, dr := range c.requests {
		if dr.stateOf(streamType) == domain.RequestStateRequested &&
			dr.request.Requested(streamType) {
			if dr.request.Type != domain.RequestEnumerateDevices {
				dr.setState(streamType, domain.RequestStatePendingApproval)
			}
			labels = append(labels, label)
		}
	}

	for _, label := range labels {
		dr := c.findRequest(label)
		if dr == nil {
			continue
		}
		switch dr.request.Type {
		case domain.RequestEnumerateDevices:
			if changed && dr.requester != nil {
				dr.devices = append([]domain.StreamDeviceInfo(nil), devices...)
				c.finalizeEnumerateDevices(label, dr)
			}
		default:
			if dr.stateOf(dr.request.AudioType) == domain.RequestStateRequested ||
				dr.stateOf(dr.request.VideoType) == domain.RequestStateRequested {
				// Another requested kind is still being enumerated; the
				// oracle needs every list before it can prompt.
				continue
			}
			c.postRequestToUI(label, dr)
		}
	}

	c.activeEnumerations[streamType]--
	if c.activeEnumerations[streamType] < 0 {
		c.logger.DPanicw("enumeration refcount below zero", "type", streamType)
		c.activeEnumerations[streamType] = 0
	}
}

// stopRemovedDevices stops every device present in the old list but
// missing from the new one.
func (c *Coordinator) stopRemovedDevices(oldDevices, newDevices []domain.StreamDeviceInfo) {
	for _, old := range oldDevices {
		found := false
		for _, fresh := range newDevices {
			if old.Device.ID == fresh.Device.ID {
				found = true
				break
			}
		}
		if !found {
			c.stopRemovedDevice(old.Device)
		}
	}
}

// stopRemovedDevice notifies every requester using the unplugged device
// before its sessions are closed.
func (c *Coordinator) stopRemovedDevice(device domain.MediaStreamDevice) {
	c.logger.Infow("device removed", "type", device.Type, "device_id", device.ID)

	var sessionIDs []int
	for label, dr := range c.requests {
		sourceID := HMACForMediaDeviceID(dr.resourceContext,
			dr.request.SecurityOrigin, device.ID)
		for _, info := range dr.devices {
			if info.Device.ID == sourceID && info.Device.Type == device.Type {
				sessionIDs = append(sessionIDs, info.SessionID)
				if dr.requester != nil {
					dr.requester.DeviceStopped(dr.requestingViewID, label, info)
				}
			}
		}
	}
	for _, sessionID := range sessionIDs {
		c.stopDevice(device.Type, sessionID)
	}
}

func (c *Coordinator) notifyDevicesChanged(streamType domain.MediaStreamType,
	devices []domain.StreamDeviceInfo) {

	if c.observer == nil {
		return
	}
	list := make([]domain.MediaStreamDevice, 0, len(devices))
	for _, info := range devices {
		list = append(list, info.Device)
	}
	switch {
	case streamType.IsAudio():
		c.observer.OnAudioCaptureDevicesChanged(list)
	case streamType.IsVideo():
		c.observer.OnVideoCaptureDevicesChanged(list)
	}
}

func (c *Coordinator) providerFor(streamType domain.MediaStreamType) ports.DeviceProvider {
	if streamType.IsVideo() {
		return c.videoProvider
	}
	return c.audioProvider
}

func (c *Coordinator) cacheFor(streamType domain.MediaStreamType) *enumerationCache {
	if streamType == domain.MediaDeviceAudioCapture {
		return &c.audioCache
	}
	return &c.videoCache
}

package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	"mediagate/pkg/logger"
	"mediagate/pkg/tracing"
)

// Command is a client-to-server message on the signal connection.
type Command struct {
	Command       string `json:"command"`
	PageRequestID int    `json:"page_request_id"`
	RenderViewID  int    `json:"render_view_id"`

	AudioType     string `json:"audio_type,omitempty"`
	VideoType     string `json:"video_type,omitempty"`
	AudioDeviceID string `json:"audio_device_id,omitempty"`
	VideoDeviceID string `json:"video_device_id,omitempty"`

	DeviceID       string `json:"device_id,omitempty"`
	StreamType     string `json:"stream_type,omitempty"`
	SecurityOrigin string `json:"security_origin,omitempty"`
	Label          string `json:"label,omitempty"`
}

// Event is a server-to-client message on the signal connection.
type Event struct {
	Event string `json:"event"`
	Label string `json:"label,omitempty"`

	Audio   []domain.StreamDeviceInfo `json:"audio,omitempty"`
	Video   []domain.StreamDeviceInfo `json:"video,omitempty"`
	Devices []domain.StreamDeviceInfo `json:"devices,omitempty"`
	Device  *domain.StreamDeviceInfo  `json:"device,omitempty"`

	RenderViewID int    `json:"render_view_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Config carries the websocket keepalive timings and the secret that
// keys origin-scoped device ids. The salt must stay server-side: a
// client that knows it can recompute scoped ids from candidate
// hardware ids and correlate devices across origins.
type Config struct {
	WriteWait    time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration
	DeviceIDSalt string
}

// Server accepts signal connections and bridges them onto the
// coordinator. Each connection gets its own render process id, so a
// dropped connection can cancel exactly its own requests.
type Server struct {
	coordinator ports.Coordinator
	cfg         Config
	log         *zap.Logger
	upgrader    websocket.Upgrader

	nextProcessID atomic.Int64

	mu      sync.Mutex
	clients map[string]*Client
}

func NewServer(coordinator ports.Coordinator, cfg Config, log *zap.Logger) *Server {
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	s := &Server{
		coordinator: coordinator,
		cfg:         cfg,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
	s.nextProcessID.Store(1)
	return s
}

// HandleConnection upgrades the request and runs the connection's read
// and write pumps until it drops.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:              uuid.New().String(),
		renderProcessID: int(s.nextProcessID.Add(1)),
		rc:              &domain.ResourceContext{DeviceIDSalt: s.cfg.DeviceIDSalt},
		server:          s,
		conn:            conn,
		send:            make(chan Event, 64),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	s.log.Info("signal client connected",
		zap.String("client_id", client.id),
		zap.Int("render_process_id", client.renderProcessID),
	)

	go client.writePump()
	client.readPump()
}

// CloseAll disconnects every client, used during shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// Client is one signal connection. It implements ports.Requester:
// coordinator callbacks are converted to events and queued on the send
// channel, never written to the socket directly.
type Client struct {
	id              string
	renderProcessID int
	rc              *domain.ResourceContext

	server *Server
	conn   *websocket.Conn
	send   chan Event
}

func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.server.coordinator.CancelAllRequests(c.renderProcessID)
		c.conn.Close()
		c.server.log.Info("signal client disconnected", zap.String("client_id", c.id))
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("signal read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendEvent(Event{Event: "error", Message: "malformed command"})
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleCommand(cmd Command) {
	ctx, span := tracing.TraceSignalMessage(context.Background(), cmd.Command, c.renderProcessID)
	defer span.End()
	log := logger.WithTrace(ctx, c.server.log)

	switch cmd.Command {
	case "generate_stream":
		label := c.server.coordinator.GenerateStream(c, c.renderProcessID, cmd.RenderViewID,
			c.rc, cmd.PageRequestID,
			domain.StreamOptions{
				AudioType:     parseStreamType(cmd.AudioType),
				VideoType:     parseStreamType(cmd.VideoType),
				AudioDeviceID: cmd.AudioDeviceID,
				VideoDeviceID: cmd.VideoDeviceID,
			},
			cmd.SecurityOrigin)
		logger.WithLabel(log, label).Info("generate stream submitted",
			zap.Int("page_request_id", cmd.PageRequestID))
		c.sendEvent(Event{Event: "request_accepted", Label: label})

	case "open_device":
		label := c.server.coordinator.OpenDevice(c, c.renderProcessID, cmd.RenderViewID,
			c.rc, cmd.PageRequestID,
			cmd.DeviceID, parseStreamType(cmd.StreamType), cmd.SecurityOrigin)
		logger.WithLabel(log, label).Info("open device submitted",
			zap.String("stream_type", cmd.StreamType))
		c.sendEvent(Event{Event: "request_accepted", Label: label})

	case "enumerate_devices":
		label := c.server.coordinator.EnumerateDevices(c, c.renderProcessID, cmd.RenderViewID,
			c.rc, cmd.PageRequestID,
			parseStreamType(cmd.StreamType), cmd.SecurityOrigin)
		c.sendEvent(Event{Event: "request_accepted", Label: label})

	case "cancel":
		logger.WithLabel(log, cmd.Label).Info("cancel requested")
		c.server.coordinator.CancelRequest(cmd.Label)

	case "stop_device":
		log.Info("stop device requested", zap.String("device_id", cmd.DeviceID))
		c.server.coordinator.StopStreamDevice(c.renderProcessID, cmd.RenderViewID, cmd.DeviceID)

	default:
		c.sendEvent(Event{Event: "error", Message: "unknown command: " + cmd.Command})
	}
}

func (c *Client) sendEvent(ev Event) {
	select {
	case c.send <- ev:
	default:
		// Slow consumer. Drop the connection rather than block the
		// coordination goroutine behind a full send buffer.
		c.server.log.Warn("signal client send buffer full, disconnecting",
			zap.String("client_id", c.id))
		c.conn.Close()
	}
}

// StreamGenerated implements ports.Requester.
func (c *Client) StreamGenerated(label string, audio, video []domain.StreamDeviceInfo) {
	c.sendEvent(Event{Event: "stream_generated", Label: label, Audio: audio, Video: video})
}

// StreamGenerationFailed implements ports.Requester.
func (c *Client) StreamGenerationFailed(label string) {
	c.sendEvent(Event{Event: "stream_generation_failed", Label: label})
}

// DeviceOpened implements ports.Requester.
func (c *Client) DeviceOpened(label string, device domain.StreamDeviceInfo) {
	c.sendEvent(Event{Event: "device_opened", Label: label, Device: &device})
}

// DevicesEnumerated implements ports.Requester.
func (c *Client) DevicesEnumerated(label string, devices []domain.StreamDeviceInfo) {
	c.sendEvent(Event{Event: "devices_enumerated", Label: label, Devices: devices})
}

// DeviceStopped implements ports.Requester.
func (c *Client) DeviceStopped(renderViewID int, label string, device domain.StreamDeviceInfo) {
	c.sendEvent(Event{Event: "device_stopped", Label: label,
		RenderViewID: renderViewID, Device: &device})
}

func parseStreamType(s string) domain.MediaStreamType {
	switch s {
	case "audio_capture":
		return domain.MediaDeviceAudioCapture
	case "video_capture":
		return domain.MediaDeviceVideoCapture
	case "tab_audio_capture":
		return domain.MediaTabAudioCapture
	case "tab_video_capture":
		return domain.MediaTabVideoCapture
	case "desktop_video_capture":
		return domain.MediaDesktopVideoCapture
	case "loopback_audio_capture":
		return domain.MediaLoopbackAudioCapture
	}
	return domain.MediaNoService
}

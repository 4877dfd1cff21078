package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	"mediagate/internal/core/services"
	httphandlers "mediagate/internal/handlers/http"
	"mediagate/internal/infrastructure/middleware"
	"mediagate/internal/infrastructure/monitoring"
	"mediagate/internal/infrastructure/providers/fake"
	signalserver "mediagate/internal/infrastructure/signal"
	"mediagate/internal/infrastructure/ui"
	"mediagate/pkg/config"
	"mediagate/pkg/logger"
	"mediagate/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	var metrics ports.MetricsRecorder
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector()
		metrics = collector
	}

	audioProvider, videoProvider := buildProviders(cfg, log)

	coordinator := services.NewCoordinator(services.CoordinatorConfig{
		AudioProvider:           audioProvider,
		VideoProvider:           videoProvider,
		UIProxy:                 buildUIFactory(cfg),
		Metrics:                 metrics,
		DefaultOutputSampleRate: cfg.Audio.DefaultOutputSampleRate,
		Logger:                  log.Sugar(),
	})
	coordinator.EnsureDeviceMonitorStarted()

	sigServer := signalserver.NewServer(coordinator, signalserver.Config{
		WriteWait:    cfg.Signal.WriteTimeout,
		PongWait:     cfg.Signal.PongTimeout,
		PingPeriod:   cfg.Signal.PingInterval,
		DeviceIDSalt: cfg.Devices.DeviceIDSalt,
	}, log)

	health := monitoring.NewHealthChecker()
	health.AddCheck("coordinator", func(ctx context.Context) (bool, error) {
		coordinator.NumRequests()
		return true, nil
	}, 2*time.Second)

	router := buildRouter(cfg, log, coordinator, sigServer, health, collector)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("mediagate listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	sigServer.CloseAll()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	coordinator.Close()
	if err := tp.Shutdown(ctx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	log.Info("stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, candidate := range []string{"configs/config.yaml", "config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	return config.Default(), nil
}

func buildProviders(cfg *config.Config, log *zap.Logger) (ports.DeviceProvider, ports.DeviceProvider) {
	// Fake providers are the only implementation shipped; real capture
	// backends plug in behind ports.DeviceProvider.
	audioSeed := []fake.Device{{ID: "default-mic", Name: "Default Microphone"}}
	videoSeed := []fake.Device{{ID: "default-cam", Name: "Default Camera"}}
	if cfg.Devices.UseFakeDevices {
		if len(cfg.Devices.FakeAudioDevices) > 0 {
			audioSeed = audioSeed[:0]
			for _, d := range cfg.Devices.FakeAudioDevices {
				audioSeed = append(audioSeed, fake.Device{ID: d.ID, Name: d.Name})
			}
		}
		if len(cfg.Devices.FakeVideoDevices) > 0 {
			videoSeed = videoSeed[:0]
			for _, d := range cfg.Devices.FakeVideoDevices {
				videoSeed = append(videoSeed, fake.Device{ID: d.ID, Name: d.Name})
			}
		}
	}
	log.Info("device providers ready",
		zap.Int("audio_devices", len(audioSeed)),
		zap.Int("video_devices", len(videoSeed)),
	)
	return fake.NewProvider(domain.MediaDeviceAudioCapture, audioSeed),
		fake.NewProvider(domain.MediaDeviceVideoCapture, videoSeed)
}

func buildUIFactory(cfg *config.Config) services.UIProxyFactory {
	// No interactive approval surface ships with the server. The fake
	// oracle auto-grants; with use_fake_ui off every request is denied.
	return func(available []domain.MediaStreamDevice) ports.UIProxy {
		proxy := ui.NewFakeUIProxy(available)
		proxy.Deny = !cfg.UI.UseFakeUI
		return proxy
	}
}

func buildRouter(cfg *config.Config, log *zap.Logger, coordinator ports.Coordinator,
	sigServer *signalserver.Server, health *monitoring.HealthChecker,
	collector *monitoring.PrometheusCollector) *gin.Engine {

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	if cfg.RateLimiting.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimiting.RequestsPerSecond, cfg.RateLimiting.Burst)
		router.Use(limiter.Middleware())
	}

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if collector != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	router.GET("/signal", func(c *gin.Context) {
		sigServer.HandleConnection(c.Writer, c.Request)
	})

	api := router.Group("/api/v1")
	if cfg.Auth.Enabled {
		api.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	}
	httphandlers.NewDeviceHandler(coordinator, log).SetupRoutes(api)

	return router
}

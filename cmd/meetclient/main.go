package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	"meetclient/internal/core/services"
	httphandlers "meetclient/internal/handlers/http"
	"meetclient/internal/infrastructure/api"
	"meetclient/internal/infrastructure/auth"
	"meetclient/internal/infrastructure/conferencing"
	"meetclient/internal/infrastructure/media"
	"meetclient/internal/infrastructure/middleware"
	"meetclient/internal/infrastructure/monitoring"
	"meetclient/internal/infrastructure/realtime"
	"meetclient/internal/infrastructure/relay"
	"meetclient/internal/infrastructure/reliability"
	"meetclient/pkg/config"
	"meetclient/pkg/logger"
	"meetclient/pkg/tracing"
	"meetclient/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	roomID     string
	name       string
	avatar     string
	create     bool
	token      string
	noMedia    bool
	follow     bool
}

func parseFlags() options {
	var opts options
	pflag.StringVarP(&opts.configPath, "config", "c", "meetclient.yaml", "path to the YAML config file")
	pflag.StringVarP(&opts.roomID, "room", "r", "", "room to enter")
	pflag.StringVarP(&opts.name, "name", "n", "", "display name shown to other participants")
	pflag.StringVar(&opts.avatar, "avatar", "", "avatar URL")
	pflag.BoolVar(&opts.create, "create", false, "create a new room and enter it")
	pflag.StringVar(&opts.token, "token", "", "bearer token (defaults to MEETCLIENT_TOKEN)")
	pflag.BoolVar(&opts.noMedia, "no-media", false, "do not open camera or microphone")
	pflag.BoolVar(&opts.follow, "follow", false, "log meeting transitions relayed by other clients")
	pflag.Parse()

	if opts.token == "" {
		opts.token = os.Getenv("MEETCLIENT_TOKEN")
	}
	opts.name = utils.SanitizeString(opts.name)
	return opts
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meetclient: %v\n", err)
		os.Exit(2)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	if err := run(cfg, opts, zapLogger); err != nil {
		zapLogger.Sugar().Errorw("meetclient exited with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()

	if opts.roomID == "" && !opts.create {
		return errors.New("either --room or --create is required")
	}
	if opts.name == "" {
		return errors.New("--name is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	session := auth.NewBearerSession()
	if err := session.Set(opts.token); err != nil {
		return fmt.Errorf("bearer token rejected: %w", err)
	}
	if exp, ok := session.ExpiresAt(); ok {
		log.Infow("bearer token loaded",
			"user_id", session.UserID(),
			"expires_in", time.Until(exp).Round(time.Second),
		)
	}

	collector := monitoring.NewPrometheusCollector()
	httpClient := &http.Client{}

	roomClient := api.NewRoomClient(apiConfig(cfg, cfg.API.BaseURL), httpClient, session, collector, zapLogger)
	callsClient := api.NewCallsClient(apiConfig(cfg, cfg.CallsBaseURL()), httpClient, session, collector, zapLogger)
	rooms := reliability.NewRoomAPIWrapper(roomClient, cfg.Retry, cfg.CircuitBreaker, log.Named("rooms"))

	channel := realtime.NewChannel(realtimeConfig(cfg), collector, log.Named("realtime"))

	var (
		publisher   ports.TransitionPublisher
		redisClient *redis.Client
		eventRelay  *relay.RedisRelay
	)
	if cfg.Redis.Enabled {
		redisClient, err = relay.NewRedisClient(ctx, relay.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		eventRelay = relay.NewRedisRelay(redisClient, relay.Config{
			ChannelPrefix: cfg.Redis.ChannelPrefix,
			InstanceID:    utils.InstanceID(),
		}, session, log.Named("relay"))
		publisher = eventRelay
	}

	coordinator := services.NewRoomSessionCoordinator(services.CoordinatorDeps{
		Rooms:        rooms,
		Sessions:     callsClient,
		Conferencing: conferencing.NewLoggingClient(log.Named("conferencing")),
		Credentials:  session,
		Channel:      channel,
		Registry:     services.NewParticipantRegistry(""),
		Chat:         services.NewChatLog(cfg.Chat.DedupeTTL, cfg.Chat.MaxMessages),
		Publisher:    publisher,
		Metrics:      collector,
	}, services.CoordinatorConfig{
		ChatHistoryLimit: cfg.Chat.HistoryLimit,
		TeardownTimeout:  cfg.Meeting.TeardownTimeout,
		PublishTimeout:   cfg.Meeting.PublishTimeout,
		PublishQueue:     cfg.Meeting.PublishQueue,
	}, log.Named("coordinator"))
	defer coordinator.Close()

	unsubscribe := coordinator.Subscribe(func(t domain.Transition) {
		fields := []interface{}{"room_id", t.RoomID, "from", t.From, "to", t.To}
		if t.Err != nil {
			fields = append(fields, "stage", t.Stage, "error", t.Err)
		}
		log.Infow("meeting state changed", fields...)
	})
	defer unsubscribe()

	devices := services.NewMediaDeviceController(media.NewDeviceProvider(log.Named("media")), log.Named("media"))
	defer func() {
		if err := devices.ReleaseCurrent(); err != nil {
			log.Warnw("media release failed", "error", err)
		}
	}()

	health := monitoring.NewHealthChecker()
	health.AddChannelCheck(coordinator.State, channel.State)
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 2*time.Second)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Control.Enabled {
		srv = newControlServer(cfg, coordinator, devices, health, collector, log.Named("control"))
		go func() {
			log.Infow("control API listening", "address", cfg.Control.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	roomID := domain.RoomID(opts.roomID)
	if opts.create {
		room, err := coordinator.CreateRoom(ctx)
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		roomID = room.ID
		log.Infow("room created", "room_id", roomID, "max_capacity", room.MaxCapacity)
	}

	if !opts.noMedia {
		if _, err := devices.Acquire(ctx, cfg.Media); err != nil {
			log.Warnw("continuing without local media", "error", err)
		}
	}

	handle, err := coordinator.EnterMeeting(ctx, roomID, domain.Identity{Name: opts.name, Avatar: opts.avatar})
	if err != nil {
		return fmt.Errorf("failed to enter meeting: %w", err)
	}
	defer handle.Close()

	log.Infow("meeting joined",
		"room_id", roomID,
		"attempt_id", handle.ID(),
		"participants", len(handle.Participants()),
	)

	if opts.follow && eventRelay != nil {
		stopFollow, err := eventRelay.Subscribe(ctx, roomID, func(e relay.Event) {
			log.Infow("relayed meeting transition",
				"instance_id", e.InstanceID,
				"user_id", e.UserID,
				"from", e.From,
				"state", e.State,
				"error", e.Error,
			)
		})
		if err != nil {
			log.Warnw("cannot follow relayed transitions", "error", err)
		} else {
			defer stopFollow()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case <-handle.Done():
		if err := handle.Err(); err != nil {
			runErr = fmt.Errorf("meeting ended: %w", err)
		} else {
			log.Infow("meeting ended", "state", handle.State())
		}
	case err := <-serverErr:
		runErr = fmt.Errorf("control API failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer cancel()

	if !handle.State().Terminal() {
		if _, err := handle.Leave(shutdownCtx); err != nil {
			log.Warnw("leave room failed", "room_id", roomID, "error", err)
		}
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("control API shutdown failed", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing control API", "error", closeErr)
			}
		}
	}

	log.Info("meetclient stopped")
	return runErr
}

func newControlServer(
	cfg *config.Config,
	coordinator *services.RoomSessionCoordinator,
	devices *services.MediaDeviceController,
	health *monitoring.HealthChecker,
	collector *monitoring.PrometheusCollector,
	log *zap.SugaredLogger,
) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	var metrics http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metrics = collector.Handler()
	}

	handler := httphandlers.NewControlHandler(coordinator, devices, health, metrics, log)
	router := httphandlers.NewRouter(handler, httphandlers.RouterConfig{
		Token: cfg.Control.Token,
		RateLimit: middleware.RateLimitConfig{
			Enabled:           cfg.Control.RateLimit.Enabled,
			RequestsPerSecond: cfg.Control.RateLimit.RequestsPerSecond,
			Burst:             cfg.Control.RateLimit.Burst,
			MaxConcurrent:     cfg.Control.RateLimit.MaxConcurrent,
		},
	}, log)

	return &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}
}

func apiConfig(cfg *config.Config, baseURL string) api.Config {
	return api.Config{
		BaseURL:        baseURL,
		RequestTimeout: cfg.API.RequestTimeout,
		UserAgent:      cfg.API.UserAgent,
	}
}

func realtimeConfig(cfg *config.Config) realtime.Config {
	rt := cfg.Realtime
	return realtime.Config{
		URL:              rt.URL,
		UserAgent:        cfg.API.UserAgent,
		HandshakeTimeout: rt.HandshakeTimeout,
		PingInterval:     rt.PingInterval,
		PongTimeout:      rt.PongTimeout,
		WriteTimeout:     rt.WriteTimeout,
		MaxMessageBytes:  rt.MaxMessageBytes,
		SendQueue:        rt.SendQueue,
		Reconnect:        rt.Reconnect,
		SendRate:         rt.SendRate.MessagesPerSecond,
		SendBurst:        rt.SendRate.Burst,
	}
}

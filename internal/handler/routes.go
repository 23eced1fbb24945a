package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	httpadapter "github.com/oarthurfc/AI-outgoing-call/internal/adapters/http"
	"github.com/oarthurfc/AI-outgoing-call/internal/config"
	"github.com/oarthurfc/AI-outgoing-call/internal/core/session"
	"github.com/oarthurfc/AI-outgoing-call/internal/repository"
	"github.com/oarthurfc/AI-outgoing-call/internal/services/call"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"github.com/oarthurfc/AI-outgoing-call/pkg/pubsub"
	"github.com/oarthurfc/AI-outgoing-call/pkg/redis"
	"github.com/oarthurfc/AI-outgoing-call/pkg/twilio"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config     *config.CallGatewayConfig
	controller *call.Controller
	renderer   *twilio.Renderer

	// Optional integrations, nil when not configured
	redisSvc      *redis.RedisService
	pubsubService *pubsub.PubSubService
	db            *gorm.DB
}

// NewHandlerManager creates and initializes all handlers and services
func NewHandlerManager(cfg *config.CallGatewayConfig) (*HandlerManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	placer := twilio.NewCallService(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber)
	provisioner := httpadapter.NewUltravoxClient(cfg.UltravoxBaseURL, cfg.UltravoxAPIKey, cfg.ProvisionTimeout)
	notifier := httpadapter.NewResumeClient(cfg.NotifyTimeout)

	controller := call.NewController(call.ControllerConfig{
		PublicBaseURL:    cfg.PublicBaseURL,
		DefaultPrompt:    cfg.DefaultPrompt,
		NotifyTimeout:    cfg.NotifyTimeout,
		NotifyOnEviction: cfg.SessionEvictionNotify,
	}, session.NewStore(), placer, provisioner, notifier)

	hm := &HandlerManager{
		config:     cfg,
		controller: controller,
		renderer:   twilio.NewRenderer(twilio.Apology{Message: cfg.ApologyMessage, Language: cfg.ApologyLanguage}),
	}

	// Initialize Redis service for session monitoring
	if cfg.RedisEnabled() {
		redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       0, // Default DB
		})
		if err != nil {
			logger.Base().Warn("failed to initialize redis service, running without session monitor", zap.Error(err))
		} else {
			hm.redisSvc = redisSvc
			controller.SetMonitor(session.NewMonitor(redisSvc, cfg.InstanceID))
			logger.Base().Info("session monitor initialized", zap.String("pod_id", cfg.InstanceID))
		}
	} else {
		logger.Base().Info("redis not configured (requires REDIS_HOST), session monitor disabled")
	}

	// Initialize PubSub service for outcome events
	if cfg.PubSubEnabled() {
		pubsubService, err := pubsub.NewPubSubService(context.Background(), &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubTopicName,
			PubID:     cfg.PubSubPubID,
		})
		if err != nil {
			logger.Base().Warn("failed to initialize pubsub service, outcome events disabled", zap.Error(err))
		} else {
			hm.pubsubService = pubsubService
			controller.AddRecorder(pubsubService)
			logger.Base().Info("pubsub service initialized for outcome events")
		}
	} else {
		logger.Base().Info("pubsub not configured (requires PUBSUB_PROJECT_ID, PUBSUB_TOPIC_NAME)")
	}

	// Initialize database connection for outcome history
	if cfg.DBEnabled {
		db, err := repository.NewDatabaseConnection(repository.LoadDatabaseConfigFromEnv())
		if err != nil {
			logger.Base().Warn("failed to connect to database, outcome history disabled", zap.Error(err))
		} else {
			hm.db = db
			outcomes := repository.NewCallOutcomeRepository(db)
			controller.AddRecorder(outcomes)
			controller.SetHistory(outcomes)
			logger.Base().Info("call outcome repository initialized")
		}
	}

	return hm, nil
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	setupRoutes(router, hm.controller, hm.renderer)
}

func setupRoutes(router *mux.Router, controller CallController, renderer InstructionRenderer) {
	// Apply global middleware
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	outboundWebhookHandler := NewOutboundWebhookHandler(controller, renderer)
	outboundWebhookHandler.SetupOutboundWebhookRoutes(router)

	router.HandleFunc("/health", outboundWebhookHandler.HandleHealth).Methods("GET")
	router.HandleFunc("/status", outboundWebhookHandler.HandleServiceStatus).Methods("GET")

	// CORS preflight for every route
	router.PathPrefix("/").HandlerFunc(handleCORS).Methods("OPTIONS")

	logger.Base().Info("all application routes registered")
}

// StartBackgroundRoutines starts session eviction until ctx is done
func (hm *HandlerManager) StartBackgroundRoutines(ctx context.Context) {
	go hm.controller.StartEvictionRoutine(ctx, hm.config.SessionSweepInterval, hm.config.SessionMaxIdle)
}

// GetController returns the call lifecycle controller
func (hm *HandlerManager) GetController() *call.Controller {
	return hm.controller
}

// Close releases the optional integrations
func (hm *HandlerManager) Close() {
	if hm.pubsubService != nil {
		if err := hm.pubsubService.Close(); err != nil {
			logger.Base().Warn("failed to close pubsub service", zap.Error(err))
		}
	}
	if hm.redisSvc != nil {
		if err := hm.redisSvc.Close(); err != nil {
			logger.Base().Warn("failed to close redis service", zap.Error(err))
		}
	}
	if hm.db != nil {
		if err := repository.Close(hm.db); err != nil {
			logger.Base().Warn("failed to close database", zap.Error(err))
		}
	}
}

// handleCORS handles CORS preflight requests
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}

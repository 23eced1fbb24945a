package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/oarthurfc/AI-outgoing-call/internal/config"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/internal/handler"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"go.uber.org/zap"
)

// Server represents the outbound call gateway server
type Server struct {
	config         *config.CallGatewayConfig
	router         *mux.Router
	handlerManager *handler.HandlerManager
	httpServer     *http.Server
}

// NewServer creates a new outbound call gateway server
func NewServer(cfg *config.CallGatewayConfig) (*Server, error) {
	// Create router
	router := mux.NewRouter()

	// Initialize handler manager - it will create all services internally
	handlerManager, err := handler.NewHandlerManager(cfg)
	if err != nil {
		return nil, err
	}

	// Setup all routes through handler manager
	handlerManager.SetupAllRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second, // classification waits on bridge provisioning
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

// Start serves HTTP until the server is shut down
func (s *Server) Start() error {
	logger.Base().Info("Starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight callbacks and releases integrations
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.handlerManager.Close()
	return err
}

// LoadConfigFromEnv loads outbound call gateway configuration from environment
func LoadConfigFromEnv() *config.CallGatewayConfig {
	temperature := getEnvAsFloatOrDefault("ULTRAVOX_TEMPERATURE", config.DefaultUltravoxTemperature)

	return &config.CallGatewayConfig{
		Port:          getEnvOrDefault("PORT", config.DefaultPort),
		PublicBaseURL: getEnvOrDefault("PUBLIC_BASE_URL", ""),

		// Twilio configuration
		TwilioAccountSID:  getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: getEnvOrDefault("TWILIO_PHONE_NUMBER", ""),

		// Ultravox configuration
		UltravoxAPIKey:  getEnvOrDefault("ULTRAVOX_API_KEY", ""),
		UltravoxBaseURL: getEnvOrDefault("ULTRAVOX_BASE_URL", ""),
		DefaultPrompt: domain.PromptConfig{
			SystemPrompt: getEnvOrDefault("SYSTEM_PROMPT", ""),
			Model:        getEnvOrDefault("ULTRAVOX_MODEL", config.DefaultUltravoxModel),
			Voice:        getEnvOrDefault("ULTRAVOX_VOICE", config.DefaultUltravoxVoice),
			Temperature:  &temperature,
			FirstSpeaker: getEnvOrDefault("ULTRAVOX_FIRST_SPEAKER", config.DefaultUltravoxFirstSpeaker),
		},

		ApologyMessage:  getEnvOrDefault("APOLOGY_MESSAGE", config.DefaultApologyMessage),
		ApologyLanguage: getEnvOrDefault("APOLOGY_LANGUAGE", config.DefaultApologyLanguage),

		// Session lifecycle
		SessionMaxIdle:        getEnvAsDurationOrDefault("SESSION_MAX_IDLE", config.DefaultSessionMaxIdle),
		SessionSweepInterval:  getEnvAsDurationOrDefault("SESSION_SWEEP_INTERVAL", config.DefaultSessionSweepInterval),
		SessionEvictionNotify: getEnvAsBoolOrDefault("SESSION_EVICTION_NOTIFY", false),

		NotifyTimeout:    getEnvAsDurationOrDefault("NOTIFY_TIMEOUT", config.DefaultNotifyTimeout),
		ProvisionTimeout: getEnvAsDurationOrDefault("PROVISION_TIMEOUT", config.DefaultProvisionTimeout),

		// Instance identifier for multi-pod monitoring
		InstanceID: getDynamicInstanceID(),

		// Redis configuration (optional)
		RedisHost:     getEnvOrDefault("REDIS_HOST", ""),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		// PubSub configuration (optional)
		PubSubProjectID: getEnvOrDefault("PUBSUB_PROJECT_ID", ""),
		PubSubTopicName: getEnvOrDefault("PUBSUB_TOPIC_NAME", ""),
		PubSubPubID:     getEnvOrDefault("PUBSUB_PUB_ID", ""),

		// Database configuration (optional, DB_* read by the repository)
		DBEnabled: getEnvAsBoolOrDefault("DB_ENABLED", false),
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsFloatOrDefault gets environment variable as float or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault accepts Go durations ("90s", "2h") or plain seconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// getDynamicInstanceID uses the hostname (pod name in Kubernetes) when available
func getDynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("outbound-call-%d", time.Now().UnixNano())
}

func main() {
	// 0. Load .env file for local development if it exists
	// This will not override environment variables already set
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	// Initialize zap logger and redirect stdlib log to it
	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("Failed to initialize zap logger, falling back to development logger: %v", err)
	}
	defer logger.Sync()

	// 1. Load configuration from environment
	cfg := LoadConfigFromEnv()

	// 2. Create the server
	server, err := NewServer(cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	logger.Base().Info("Server initialized successfully",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Start session eviction and the server
	server.handlerManager.StartBackgroundRoutines(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Base().Fatal("Server failed to start", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Base().Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Base().Error("Graceful shutdown failed", zap.Error(err))
		}
	}
}

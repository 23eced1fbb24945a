package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
)

// CallGatewayConfig holds the configuration of the outbound call gateway
type CallGatewayConfig struct {
	Port string

	// PublicBaseURL is the externally reachable address Twilio calls back on
	PublicBaseURL string

	// Twilio configuration
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// Ultravox configuration
	UltravoxAPIKey  string
	UltravoxBaseURL string
	DefaultPrompt   domain.PromptConfig

	// Spoken before hanging up when the bridge cannot be provisioned
	ApologyMessage  string
	ApologyLanguage string

	// Session lifecycle
	SessionMaxIdle        time.Duration
	SessionSweepInterval  time.Duration
	SessionEvictionNotify bool // deliver a synthetic "timeout" outcome on eviction

	// Outbound HTTP timeouts
	NotifyTimeout    time.Duration
	ProvisionTimeout time.Duration

	// Instance identifier for the session monitor
	InstanceID string

	// Optional Redis session monitor
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Optional Pub/Sub outcome events
	PubSubProjectID string
	PubSubTopicName string
	PubSubPubID     string

	// Optional Postgres outcome history
	DBEnabled bool
}

// Validate reports configuration that makes the gateway unusable
func (c *CallGatewayConfig) Validate() error {
	var missing []string
	if c.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.TwilioPhoneNumber == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if c.UltravoxAPIKey == "" {
		missing = append(missing, "ULTRAVOX_API_KEY")
	}
	if c.PublicBaseURL == "" {
		missing = append(missing, "PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.SessionMaxIdle <= 0 {
		return fmt.Errorf("SESSION_MAX_IDLE must be positive")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// RedisEnabled reports whether the session monitor should be started
func (c *CallGatewayConfig) RedisEnabled() bool {
	return c.RedisHost != ""
}

// PubSubEnabled reports whether outcome events should be published
func (c *CallGatewayConfig) PubSubEnabled() bool {
	return c.PubSubProjectID != "" && c.PubSubTopicName != ""
}

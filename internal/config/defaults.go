package config

import "time"

const (
	// Server Constants
	DefaultPort = "3030"

	// Ultravox Constants
	DefaultUltravoxModel        = "fixie-ai/ultravox"
	DefaultUltravoxVoice        = "Keren-Brazilian-Portuguese"
	DefaultUltravoxTemperature  = 0.3
	DefaultUltravoxFirstSpeaker = "FIRST_SPEAKER_AGENT"

	// Apology Constants
	DefaultApologyMessage  = "Desculpe, não foi possível completar a ligação agora. Tente novamente mais tarde."
	DefaultApologyLanguage = "pt-BR"

	// Session Constants
	DefaultSessionMaxIdle       = 2 * time.Hour
	DefaultSessionSweepInterval = time.Minute

	// Timeout Constants
	DefaultNotifyTimeout    = 10 * time.Second
	DefaultProvisionTimeout = 15 * time.Second
)

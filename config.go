package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from the environment at startup.
type Config struct {
	Port    string `env:"PORT" envDefault:"8000"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8000"`
	DBPath  string `env:"DB_PATH" envDefault:"warm_transfer.db"`

	// CallerIdentity is the identity the caller participant uses in
	// every room; the transfer flow mints the caller token for it.
	CallerIdentity string `env:"CALLER_IDENTITY" envDefault:"caller"`

	LiveKitURL       string        `env:"LIVEKIT_URL" envDefault:"ws://localhost:7880"`
	LiveKitAPIKey    string        `env:"LIVEKIT_API_KEY"`
	LiveKitAPISecret string        `env:"LIVEKIT_API_SECRET"`
	TokenTTL         time.Duration `env:"TOKEN_TTL" envDefault:"1h"`

	GroqAPIKey  string `env:"GROQ_API_KEY"`
	GroqBaseURL string `env:"GROQ_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	GroqModel   string `env:"GROQ_MODEL" envDefault:"llama-3.1-8b-instant"`

	TwilioAccountSID  string        `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string        `env:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber string        `env:"TWILIO_PHONE_NUMBER"`
	TwilioTimeout     int           `env:"TWILIO_TIMEOUT" envDefault:"30"`
	TwilioMaxRetries  int           `env:"TWILIO_MAX_RETRIES" envDefault:"3"`
	TwilioRetryDelay  time.Duration `env:"TWILIO_RETRY_DELAY" envDefault:"2s"`
}

// LoadConfig reads the configuration from environment variables and
// validates the settings the media server cannot run without.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.LiveKitAPIKey == "" || cfg.LiveKitAPISecret == "" {
		return nil, fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required")
	}
	return &cfg, nil
}

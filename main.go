package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"warm-transfer-server/livekit"
	"warm-transfer-server/store"
	"warm-transfer-server/summary"
	"warm-transfer-server/telephony"
)

func main() {
	var (
		port  = flag.String("port", "", "listen port (overrides PORT)")
		debug = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	if *port != "" {
		cfg.Port = *port
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open store")
	}
	defer st.Close()

	rooms, err := livekit.NewClient(livekit.Config{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		TokenTTL:  cfg.TokenTTL,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("media server client")
	}

	summarizer := summary.New(summary.Config{
		APIKey:  cfg.GroqAPIKey,
		BaseURL: cfg.GroqBaseURL,
		Model:   cfg.GroqModel,
	}, log)

	phone := telephony.New(telephony.Config{
		AccountSID:  cfg.TwilioAccountSID,
		AuthToken:   cfg.TwilioAuthToken,
		FromNumber:  cfg.TwilioPhoneNumber,
		CallbackURL: cfg.BaseURL,
		MaxRetries:  cfg.TwilioMaxRetries,
		RetryDelay:  cfg.TwilioRetryDelay,
	}, rooms, st, log)
	if !phone.Enabled() {
		log.Warn().Msg("Twilio credentials not set, phone transfers disabled")
	}

	srv := NewServer(rooms, summarizer, phone, st, cfg.CallerIdentity, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx, ":"+cfg.Port); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server")
	}
}

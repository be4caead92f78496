// Command mailsyncd runs the mailbox synchronization daemon: it starts
// a listener session for every configured account and keeps the local
// store up to date until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/deskmate/internal/blob"
	"github.com/nhle/deskmate/internal/credential"
	"github.com/nhle/deskmate/internal/event"
	"github.com/nhle/deskmate/internal/mailbox"
	"github.com/nhle/deskmate/internal/model"
	"github.com/nhle/deskmate/internal/msgparse"
	"github.com/nhle/deskmate/internal/store"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if err := run(log, *configPath); err != nil {
		log.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(log zerolog.Logger, configPath string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}

	gw, err := store.NewSQLiteStore(cfg.Database)
	if err != nil {
		return err
	}
	defer gw.Close()

	blobs, err := blob.NewFileStore(cfg.InlineImageDir, cfg.InlineImageBaseURL)
	if err != nil {
		return err
	}

	hub := event.NewHub()
	parser := msgparse.New(blobs, log)
	coord := mailbox.NewCoordinator(
		gw,
		parser,
		hub,
		mailbox.CredentialFunc(credential.Get),
		cfg.Listener,
		log,
		nil,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accounts, err := gw.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		log.Warn().Msg("no accounts configured")
	}
	for _, acc := range accounts {
		if err := coord.Start(ctx, acc.ID); err != nil {
			log.Error().Err(err).Str("account", acc.Email).Msg("failed to start listener")
		}
	}

	// Log the event stream; UI frontends subscribe the same way.
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			switch ev.Kind {
			case event.KindStatusChanged:
				log.Debug().Str("account", ev.AccountID).Str("status", string(ev.Status)).
					Msg("account status")
			case event.KindNewMessage:
				log.Info().Str("account", ev.AccountID).Str("subject", ev.Message.Subject).
					Msg("message received")
			}
		}
	}()

	log.Info().Int("accounts", len(accounts)).Msg("mail synchronization running")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	coord.StopAll()
	return nil
}

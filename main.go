package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Necroforger/dgrouter/exrouter"
	"github.com/bwmarrin/discordgo"
	"github.com/cufee/botto-gatekeeper/config"
	db "github.com/cufee/botto-gatekeeper/database"
	"github.com/cufee/botto-gatekeeper/handlers"
	"github.com/cufee/botto-gatekeeper/ops"
	"github.com/cufee/botto-gatekeeper/verification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	configureLogger(log, cfg)

	store, err := db.Open(cfg.StoreDriver, cfg.StorePath())
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer store.Close()

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.WithError(err).Fatal("failed to create Discord session")
	}
	dg.LogLevel = discordLogLevel(log.GetLevel())
	dg.ShouldRetryOnRateLimit = true
	dg.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildMessageReactions |
		discordgo.IntentGuildMembers |
		discordgo.IntentMessageContent

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager := verification.NewManager(store, &handlers.Guild{Ses: dg},
		verification.WithLogger(log.WithField("component", "verification")),
		verification.WithMetrics(verification.NewMetrics(reg)),
		verification.WithDefaultConfig(verification.Config{TimeoutSeconds: cfg.DefaultTimeoutSeconds}),
		verification.WithRecoveryConcurrency(cfg.RecoveryConcurrency),
		verification.WithResolveTimeout(cfg.ResolveTimeout),
	)
	defer manager.Close()

	events := &handlers.Events{Settings: store, Verifier: manager, Log: log.WithField("component", "events")}
	commands := &handlers.Commands{Settings: store, Verifier: manager, Log: log.WithField("component", "commands")}

	router := exrouter.New()
	commands.Register(router)

	dg.AddHandler(events.Ready)
	dg.AddHandler(events.GuildDelete)
	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		router.FindAndExecute(s, cfg.CommandPrefix, s.State.User.ID, m.Message)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OpsAddr != "" {
		go func() {
			if err := ops.Serve(ctx, cfg.OpsAddr, ops.NewRouter(reg), log.WithField("component", "ops")); err != nil {
				log.WithError(err).Error("ops server stopped")
			}
		}()
	}

	// Timers must be back in place before new reactions are handled; REST calls work without the gateway
	if err := manager.RecoverPendingOnStartup(ctx); err != nil {
		log.WithError(err).Fatal("failed to recover pending verifications")
	}
	dg.AddHandler(events.ReactionAdd)

	if err := dg.Open(); err != nil {
		log.WithError(err).Fatal("failed to open Discord connection")
	}
	defer dg.Close()

	log.Info("bot is running")
	<-ctx.Done()
	log.Info("shutting down")
}

func configureLogger(log *logrus.Logger, cfg config.Runtime) {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func discordLogLevel(level logrus.Level) int {
	switch {
	case level >= logrus.DebugLevel:
		return discordgo.LogDebug
	case level >= logrus.InfoLevel:
		return discordgo.LogInformational
	case level >= logrus.WarnLevel:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}

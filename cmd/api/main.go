package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/auth"
	"github.com/mpetrov/chatcore/internal/calls"
	"github.com/mpetrov/chatcore/internal/chatmode"
	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/db"
	"github.com/mpetrov/chatcore/internal/hub"
	"github.com/mpetrov/chatcore/internal/middleware"
	"github.com/mpetrov/chatcore/internal/presence"
	"github.com/mpetrov/chatcore/internal/relay"
	"github.com/mpetrov/chatcore/internal/sweeper"
	"github.com/mpetrov/chatcore/internal/ws"
)

type config struct {
	MongoURI       string        `env:"MONGODB_URI,required"`
	JWTSecret      string        `env:"JWT_SECRET,required"`
	Port           string        `env:"PORT" envDefault:"8080"`
	TokenTTL       time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	RateLimitRPM   int           `env:"RATE_LIMIT_RPM" envDefault:"10"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepBatchSize int64         `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("cannot parse env config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.MongoURI)
	if err != nil {
		sugar.Fatalf("failed to connect to DB: %v", err)
	}
	defer func() { _ = dbClient.Close(context.Background()) }()

	if err := dbClient.CreateIndexes(ctx); err != nil {
		sugar.Fatalf("failed to create indexes: %v", err)
	}

	// Stores
	usersStore := data.NewUsersStore(dbClient.UsersCollection())
	msgsStore := data.NewMessagesStore(dbClient.MessagesCollection())
	settingsStore := data.NewChatSettingsStore(dbClient.ChatSettingsCollection())
	callsStore := data.NewCallsStore(dbClient.CallsCollection())

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)

	// Core services
	connHub := hub.New()
	tracker := presence.NewTracker(usersStore, connHub, sugar)
	// A connection pruned on send failure may have been its user's last;
	// route that offline transition through the tracker like a normal dismiss.
	connHub.OnOffline(func(userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tracker.HandleDisconnect(ctx, userID, true)
	})
	modeSvc := chatmode.NewService(settingsStore, msgsStore, connHub, sugar)
	relaySvc := relay.NewService(msgsStore, usersStore, modeSvc, connHub, sugar)
	broker := calls.NewBroker(callsStore, usersStore, connHub, sugar)
	sweep := sweeper.New(msgsStore, connHub, cfg.SweepInterval, cfg.SweepBatchSize, sugar)

	wsHandler := ws.NewHandler(jwtMgr, usersStore, connHub, tracker, relaySvc, broker, modeSvc, sugar)

	// Limit register/login; a small burst allows a couple of quick retries.
	limiterStore := middleware.NewLimiterStore(cfg.RateLimitRPM, 3, 1*time.Minute)
	defer limiterStore.Stop()

	api := &apiServer{
		users:    usersStore,
		jwt:      jwtMgr,
		relay:    relaySvc,
		calls:    broker,
		chatmode: modeSvc,
		log:      sugar,
	}

	go sweep.Run(ctx)

	srv := newServer(cfg.Port, api, wsHandler, limiterStore, sugar)
	if err := srv.start(ctx); err != nil {
		sugar.Fatalf("http server: %v", err)
	}
}

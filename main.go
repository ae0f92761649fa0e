package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matthewbub/wussup.chat-sub003/internal/api"
	"github.com/matthewbub/wussup.chat-sub003/internal/auth"
	"github.com/matthewbub/wussup.chat-sub003/internal/chat"
	"github.com/matthewbub/wussup.chat-sub003/internal/config"
	"github.com/matthewbub/wussup.chat-sub003/internal/preference"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
	"github.com/matthewbub/wussup.chat-sub003/internal/queue/rabbitmq"
	"github.com/matthewbub/wussup.chat-sub003/internal/quota"
	"github.com/matthewbub/wussup.chat-sub003/internal/redis"
	"github.com/matthewbub/wussup.chat-sub003/internal/session"
	"github.com/matthewbub/wussup.chat-sub003/internal/storage"
	"github.com/matthewbub/wussup.chat-sub003/internal/subscription"
	"github.com/matthewbub/wussup.chat-sub003/internal/title"
	"github.com/matthewbub/wussup.chat-sub003/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("WUSSUP_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Connect(cfg)
	if err != nil {
		log.Fatalf("open gateway: %v", err)
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	registry := session.NewRegistry(store, rdb)
	if rdb != nil {
		go func() {
			if err := registry.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("session invalidation listener stopped: %v", err)
			}
		}()
	}

	subs := subscription.NewService(store)
	subs.StartSweeper(ctx, time.Duration(cfg.BasicConfig.SubscriptionSweepEvery)*time.Minute)
	ledger := quota.NewLedger(store, subs, quota.LimitsFromConfig(cfg.Quota))

	titleName, titleCfg := cfg.TitleProvider()
	titles := title.NewGenerator(store, provider.Config{
		Name:      titleName,
		Model:     titleCfg.Model,
		BaseURL:   titleCfg.BaseURL,
		APIKey:    titleCfg.APIKey,
		MaxTokens: titleCfg.MaxTokens,
	})
	titles.OnRename(registry.Invalidate)

	var titleJobs title.Dispatcher = title.NewLocalDispatcher(titles, 0)
	if cfg.RabbitMQ.URL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.TitleQueue)
		if err != nil {
			log.Fatalf("connect rabbitmq: %v", err)
		}
		defer pub.Close()
		titleJobs = title.NewAMQPDispatcher(pub)
		log.Printf("title jobs are published to %s", cfg.RabbitMQ.TitleQueue)
	}

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	defer dispatcher.Stop()

	orchestrator := chat.NewOrchestrator(chat.Options{
		Store:      store,
		Registry:   registry,
		Ledger:     ledger,
		Resolver:   preference.NewResolver(store),
		Titles:     titles,
		TitleJobs:  titleJobs,
		TitleGuard: title.NewGuard(rdb),
		Dispatcher: dispatcher,
		Providers:  cfg.Providers,
		Search: provider.SearchConfig{
			GoogleAPIKey:   cfg.BasicConfig.GoogleSearchAPIKey,
			GoogleEngineID: cfg.BasicConfig.GoogleSearchEngineID,
		},
		MaxCandidates: cfg.BasicConfig.MaxCandidates,
		StreamTimeout: time.Duration(cfg.BasicConfig.StreamTimeout) * time.Second,
	})

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		log.Fatalf("init auth: %v", err)
	}
	handlers := api.NewHandler(orchestrator, authService)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}

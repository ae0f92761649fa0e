// Command titleworker consumes title jobs published by the chat server and
// names the sessions they refer to.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/matthewbub/wussup.chat-sub003/internal/config"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
	"github.com/matthewbub/wussup.chat-sub003/internal/queue/rabbitmq"
	"github.com/matthewbub/wussup.chat-sub003/internal/redis"
	"github.com/matthewbub/wussup.chat-sub003/internal/session"
	"github.com/matthewbub/wussup.chat-sub003/internal/storage"
	"github.com/matthewbub/wussup.chat-sub003/internal/title"
)

func main() {
	cfg, err := config.Load(os.Getenv("WUSSUP_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.RabbitMQ.URL == "" {
		log.Fatalf("rabbitmq.url must be configured")
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
		if rdb, err = redis.NewRedisClient(cfg); err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}
	// publishes invalidations so chat servers drop the old name
	registry := session.NewRegistry(store, rdb)

	name, p := cfg.TitleProvider()
	gen := title.NewGenerator(store, provider.Config{
		Name:      name,
		Model:     p.Model,
		BaseURL:   p.BaseURL,
		APIKey:    p.APIKey,
		MaxTokens: p.MaxTokens,
	})
	gen.OnRename(registry.Invalidate)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:   cfg.RabbitMQ.URL,
		Queue: cfg.RabbitMQ.TitleQueue,
	})
	if err != nil {
		log.Fatalf("connect rabbitmq: %v", err)
	}
	defer consumer.Close()

	log.Printf("titleworker consuming %s with %s/%s", cfg.RabbitMQ.TitleQueue, name, p.Model)
	if err := consumer.Run(ctx, title.Handler(gen)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consumer stopped: %v", err)
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/api"
	"github.com/fathima-sithara/chat-sync/internal/blob"
	"github.com/fathima-sithara/chat-sync/internal/chat"
	"github.com/fathima-sithara/chat-sync/internal/config"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/groups"
	"github.com/fathima-sithara/chat-sync/internal/identity"
	"github.com/fathima-sithara/chat-sync/internal/logger"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/presence"
	"github.com/fathima-sithara/chat-sync/internal/ratelimit"
	"github.com/fathima-sithara/chat-sync/internal/roster"
	"github.com/fathima-sithara/chat-sync/internal/store"
	"github.com/fathima-sithara/chat-sync/internal/users"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	lg, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Mongo
	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		lg.Fatal("mongo connect", zap.Error(err))
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := mc.Ping(pingCtx, readpref.Primary()); err != nil {
		lg.Fatal("mongo ping", zap.Error(err))
	}
	cancel()

	mongoStore := store.NewMongo(mc.Database(cfg.Mongo.Database), cfg.StoreTimeout, lg.Named("store"))
	if err := mongoStore.EnsureIndexes(ctx, map[string][]string{
		domain.Messages: {"conversation_id", "created_at"},
		domain.Users:    {"username"},
		domain.Groups:   {"name"},
	}); err != nil {
		lg.Warn("ensure indexes", zap.Error(err))
	}
	st := store.WithRetry(mongoStore, store.RetryPolicy{
		MaxRetries:      uint64(cfg.Retry.MaxAttempts),
		InitialInterval: cfg.RetryInterval,
	}, lg.Named("retry"))

	// Redis is optional: without it presence is not mirrored and send
	// limits are per process.
	var mirror presence.Mirror
	limiter := ratelimit.Chain{
		ratelimit.NewLocal(float64(cfg.Limits.SendsPerMinute)/60, cfg.Limits.SendsPerMinute/6+1),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Fatal("redis ping", zap.Error(err))
		}
		mirror = presence.NewRedisMirror(rdb, cfg.Redis.Prefix)
		limiter = append(limiter, ratelimit.NewRedis(rdb, cfg.Redis.Prefix+"ratelimit:send", cfg.Limits.SendsPerMinute, time.Minute))
	}

	var pub events.Publisher = events.Nop{}
	switch cfg.Events.Driver {
	case "kafka":
		pub = events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg.Named("kafka"))
	case "nats":
		n, err := events.NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			lg.Fatal("nats connect", zap.Error(err))
		}
		pub = n
	}
	defer func() { _ = pub.Close() }()

	var backend blob.Backend
	if cfg.AWS.Bucket != "" {
		s3b, err := blob.NewS3(ctx, cfg.AWS.Region, cfg.AWS.Bucket, cfg.AWS.Endpoint, cfg.S3.PublicRead, cfg.PresignTTL)
		if err != nil {
			lg.Fatal("s3 init", zap.Error(err))
		}
		backend = s3b
	} else {
		lg.Warn("aws.bucket not set, media kept in memory")
		backend = blob.NewMemory("http://localhost:" + strconv.Itoa(cfg.App.Port) + "/media")
	}
	media := blob.NewService(backend, lg.Named("blob"))

	var verifier *identity.Verifier
	if cfg.JWT.Algorithm == "RS256" {
		verifier, err = identity.NewRSAVerifierFromFile(cfg.JWT.PublicKeyPath)
	} else {
		verifier, err = identity.NewHMACVerifier(cfg.JWT.Secret)
	}
	if err != nil {
		lg.Fatal("jwt verifier", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	dir := users.NewDirectory(st, lg.Named("users"))
	rm := roster.NewManager(st, dir, roster.WithLogger(lg.Named("roster")), roster.WithMetrics(mt))
	gm := groups.NewManager(st, groups.WithLogger(lg.Named("groups")))
	composer := chat.NewComposer(st, rm,
		chat.WithUploader(media),
		chat.WithLimiter(limiter),
		chat.WithEvents(pub),
		chat.WithMetrics(mt),
		chat.WithLogger(lg.Named("composer")),
	)

	app := api.NewServer(api.Options{
		Chat: chat.Deps{
			Store:    st,
			Users:    dir,
			Roster:   rm,
			Groups:   gm,
			Composer: composer,
			Events:   pub,
			Metrics:  mt,
			Log:      lg.Named("chat"),
		},
		Verifier:            verifier,
		Statuses:            dir,
		Mirror:              mirror,
		Media:               media,
		Metrics:             mt,
		Gatherer:            reg,
		Log:                 lg.Named("api"),
		RequestTimeout:      cfg.StoreTimeout * 3,
		WSMessagesPerSecond: cfg.Limits.WSMessagesPerSecond,
		AccessLog:           cfg.Development(),
	})

	go func() {
		addr := ":" + strconv.Itoa(cfg.App.Port)
		lg.Info("chatsyncd listening", zap.String("addr", addr), zap.String("env", cfg.App.Env))
		if err := app.Listen(addr); err != nil {
			lg.Error("server listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()
	if err := app.ShutdownWithContext(sctx); err != nil {
		lg.Warn("shutdown", zap.Error(err))
	}
}

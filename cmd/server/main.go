package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chanhub/internal/auth"
	"chanhub/internal/config"
	"chanhub/internal/db"
	"chanhub/internal/events"
	clog "chanhub/internal/log"
	"chanhub/internal/mw"
	"chanhub/internal/server"
	"chanhub/internal/service"
	"chanhub/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// 本地开发允许用 .env 覆盖环境变量，文件不存在时忽略。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var registry auth.Registry = auth.NewMemoryRegistry()
	if cfg.TokenStore == "redis" {
		rdb, err := auth.NewRedisClient(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
		}
		defer rdb.Close()
		registry = auth.NewRedisRegistry(rdb)
	}

	var pub events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		p, err := events.Dial(cfg.AMQPURL)
		if err != nil {
			log.Warn().Err(err).Msg("amqp unavailable, domain events disabled")
		} else {
			pub = p
		}
	}
	defer pub.Close()

	hasher := auth.NewHasher(cfg.BcryptCost, cfg.HashWorkers)
	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.AccessSecret,
		RefreshSecret: cfg.RefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	}, registry)
	users := service.NewUserService(gdb, hasher, tokens)
	tokens.WithNameLookup(users.DisplayName)
	channels := service.NewChannelService(gdb, hasher)
	messages := service.NewMessageService(gdb)

	hub := ws.NewHub()
	gateway := ws.NewGateway(hub, tokens, channels, messages, pub)
	// 控制单个 IP+路由的速率。
	limiter := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)

	r := server.SetupRouter(cfg, server.Deps{
		Handler: server.NewHandler(cfg, users, channels, gateway, pub),
		Tokens:  tokens,
		Gateway: gateway,
		Limiter: limiter,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	hub.Close()
	limiter.Stop()
	// 内存 registry 随进程结束失效，所有会话需要重新登录；redis 中的会话保留。
	if mem, ok := registry.(*auth.MemoryRegistry); ok {
		_ = mem.Clear(ctx)
	}
}

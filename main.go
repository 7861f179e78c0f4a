package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zapcore"

	"github.com/Blazheiko/partygate/logger"
	"github.com/Blazheiko/partygate/service/fanout"
	"github.com/Blazheiko/partygate/service/gateway"
	"github.com/Blazheiko/partygate/service/storage"
	storageredis "github.com/Blazheiko/partygate/service/storage/redis"
	"github.com/Blazheiko/partygate/tools/ids"
)

type appConfig struct {
	Addr          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionSecret string
	NatsServers   []string
	NodeID        string
	Debug         bool
}

func loadConfig() appConfig {
	cfg := appConfig{
		Addr:          envOr("PARTYGATE_ADDR", ":8080"),
		RedisAddr:     envOr("PARTYGATE_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("PARTYGATE_REDIS_PASSWORD"),
		SessionSecret: envOr("PARTYGATE_SESSION_SECRET", "dev-only-secret"),
		NodeID:        envOr("PARTYGATE_NODE_ID", ids.NewConnID()),
		Debug:         os.Getenv("PARTYGATE_DEBUG") == "1",
	}
	if db, err := strconv.Atoi(os.Getenv("PARTYGATE_REDIS_DB")); err == nil {
		cfg.RedisDB = db
	}
	if servers := os.Getenv("PARTYGATE_NATS_SERVERS"); servers != "" {
		cfg.NatsServers = strings.Split(servers, ",")
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// sessionAuth adapts the session store to the gateway's auth contract.
type sessionAuth struct {
	store *storage.SessionStore
}

func (a sessionAuth) ExchangeUpgradeToken(ctx context.Context, token string) (gateway.Grant, error) {
	grant, err := a.store.ExchangeUpgradeToken(ctx, token)
	if err != nil {
		return gateway.Grant{}, err
	}
	return gateway.Grant{UserID: grant.UserID, SessionID: grant.SessionID}, nil
}

func (a sessionAuth) Touch(ctx context.Context, userID, sessionID string) error {
	return a.store.Touch(ctx, userID, sessionID)
}

func main() {
	cfg := loadConfig()
	if cfg.Debug {
		logger.Configure(zapcore.DebugLevel)
	} else {
		logger.Configure(zapcore.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}

	if err := storageredis.Init(storageredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 64,
	}); err != nil {
		logger.Errorf("redis init failed: %v", err)
		os.Exit(1)
	}
	defer storageredis.Close()

	sessions := storage.NewSessionStore(storageredis.Client(), storage.SessionConfig{
		Secret: []byte(cfg.SessionSecret),
	})
	counter := storage.NewRateCounter(storageredis.Client())

	deps := &appDeps{
		sessions: sessions,
		blobs:    storage.NewBlobStore(storageredis.Client()),
	}
	table, err := gateway.BuildTable(routeTree(deps))
	if err != nil {
		logger.Errorf("route table build failed: %v", err)
		os.Exit(1)
	}

	disp := gateway.NewDispatcher(table, gateway.NewAdmission(counter), cfg.Debug)
	srv := gateway.NewServer(gateway.Config{
		FloodRate:  50,
		FloodBurst: 200,
		Debug:      cfg.Debug,
	}, disp, gateway.NewRegistry(), sessionAuth{store: sessions})
	deps.srv = srv

	if len(cfg.NatsServers) > 0 {
		bridge, err := fanout.New(fanout.Config{
			Servers: cfg.NatsServers,
			NodeID:  cfg.NodeID,
		}, srv)
		if err != nil {
			logger.Errorf("nats bridge init failed: %v", err)
			os.Exit(1)
		}
		if err := bridge.Start(); err != nil {
			logger.Errorf("nats bridge start failed: %v", err)
			os.Exit(1)
		}
		deps.bridge = bridge
		defer bridge.Close()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	gateway.MountHTTP(r.Group("/", sessionHeaderAuth(sessions)), disp)

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		logger.Infof("listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("shutting down")
	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

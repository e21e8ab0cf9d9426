package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PClient/global"
	"PClient/logger"
	"PClient/module/chat/call"
	"PClient/module/chat/conversation"
	chatsync "PClient/module/chat/sync"
	"PClient/service/api"
	"PClient/service/bus"
	"PClient/service/natsx"
	"PClient/service/storage"
	"PClient/service/transport"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// 组合根。所有组件显式装配、显式注入，没有全局单例。

func main() {
	cfg := global.FromEnv()
	if cfg.AccountID == "" || cfg.Token == "" {
		logger.Errorf("PC_ACCOUNT_ID / PC_TOKEN required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New()

	// ===== 持久层 =====
	var (
		msgs    storage.MessageRepo
		convs   storage.ConversationRepo
		cursors storage.CursorStore
		mongoCl *mongo.Client
	)
	if cfg.MongoURI != "" {
		cl, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			logger.Errorf("mongo connect: %v", err)
			os.Exit(1)
		}
		mongoCl = cl
		store := storage.NewMongoStore(cl.Database(cfg.MongoDatabase))
		msgs, convs, cursors = store.Messages(), store.Conversations(), store.Cursors()
		logger.Infof("storage: mongo db=%s", cfg.MongoDatabase)
	} else {
		store := storage.NewMemoryStore()
		msgs, convs, cursors = store.Messages(), store.Conversations(), store.Cursors()
		logger.Infof("storage: in-memory")
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cursors = storage.NewRedisCursorStore(rdb)
		logger.Infof("cursor store: redis %s", cfg.RedisAddr)
	}

	// ===== 传输与核心 =====
	mgr := transport.NewManager(transport.Options{
		GatewayURL:    cfg.GatewayURL,
		AccountID:     cfg.AccountID,
		Token:         cfg.Token,
		Platform:      cfg.Platform,
		ReconnectBase: cfg.ReconnectBase,
		MaxReconnect:  cfg.MaxReconnect,
	}, b)

	resolver := conversation.NewHTTPResolver(cfg.APIBaseURL)
	engine := conversation.NewEngine(cfg.AccountID, msgs, convs, mgr, resolver, b)

	calls := call.NewManager(cfg.AccountID, call.NewNoMediaCapability(), mgr, engine, b, cfg.RingTimeout)
	engine.SetCallRelay(calls)

	backfill := chatsync.NewHTTPBackfill(cfg.APIBaseURL)
	rec := chatsync.NewReconciler(cfg.AccountID, cursors, backfill, engine, b)

	mgr.SetHandler(rec.OnFrame)
	mgr.SetOnConnected(rec.OnConnected)

	if err := rec.Start(ctx); err != nil {
		logger.Errorf("load cursor: %v", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Errorf("restore conversations: %v", err)
		os.Exit(1)
	}

	// ===== 可选外围 =====
	var bridge *natsx.Bridge
	var natsCl *natsx.NatsxClient
	if len(cfg.NatsServers) > 0 {
		cl, err := natsx.NewNatsxClient(natsx.NatsxConfig{
			Servers: cfg.NatsServers,
			Name:    "pclient-" + cfg.AccountID,
		})
		if err != nil {
			logger.Warnf("nats connect: %v, bridge disabled", err)
		} else {
			natsCl = cl
			bridge = natsx.StartBridge(b, cl, cfg.NatsPrefix)
			logger.Infof("nats bridge on, prefix=%s", cfg.NatsPrefix)
		}
	}

	var httpSrv *api.Server
	if cfg.APIPort > 0 {
		httpSrv = api.NewServer(cfg.APIPort, engine, calls, mgr)
		httpSrv.Start()
	}

	if err := mgr.Connect(ctx); err != nil {
		// 拨号失败会自动排重试，致命错误（令牌过期）除外
		logger.Warnf("initial connect: %v", err)
	}

	// ===== 等退出 =====
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Infof("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()

	if httpSrv != nil {
		_ = httpSrv.Stop(shutdownCtx)
	}
	mgr.Cleanup()
	if bridge != nil {
		bridge.Stop()
	}
	if natsCl != nil {
		_ = natsCl.Close()
	}
	b.Close()
	if mongoCl != nil {
		_ = mongoCl.Disconnect(shutdownCtx)
	}
}

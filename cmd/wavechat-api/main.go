package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/ai"
	"github.com/wavechat/backend/internal/auth"
	"github.com/wavechat/backend/internal/config"
	"github.com/wavechat/backend/internal/crossinstance"
	"github.com/wavechat/backend/internal/distlock"
	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/hottier"
	"github.com/wavechat/backend/internal/hub"
	"github.com/wavechat/backend/internal/logging"
	"github.com/wavechat/backend/internal/messagecache"
	"github.com/wavechat/backend/internal/objectstore"
	"github.com/wavechat/backend/internal/replication"
	"github.com/wavechat/backend/internal/roomcache"
	"github.com/wavechat/backend/internal/server"
	"github.com/wavechat/backend/internal/status"
	"github.com/wavechat/backend/internal/syncqueue"
	"github.com/wavechat/backend/internal/syncworker"
	"github.com/wavechat/backend/internal/users"
)

const (
	lockCleanupInterval = 60 * time.Second
	shutdownDeadline    = 30 * time.Second
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "wavechat-api",
		Short: "Wavechat distributed chat backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().Int("port", defaults.GetInt("http.port"), "HTTP listen port")
	cmd.PersistentFlags().String("instance-id", defaults.GetString("instance.id"), "Unique instance identifier")
	cmd.PersistentFlags().String("mongo-uri", defaults.GetString("mongo.uri"), "Durable tier connection URI")
	cmd.PersistentFlags().String("redis-master-host", defaults.GetString("redis.master_host"), "Hot tier master host")
	cmd.PersistentFlags().Int("redis-master-port", defaults.GetInt("redis.master_port"), "Hot tier master port")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.port", "port")
	bindFlag(cmd, "instance.id", "instance-id")
	bindFlag(cmd, "mongo.uri", "mongo-uri")
	bindFlag(cmd, "redis.master_host", "redis-master-host")
	bindFlag(cmd, "redis.master_port", "redis-master-port")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// Local development reads a .env before viper inspects the environment.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if appConfig.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	instanceID := appConfig.InstanceID
	if instanceID == "" {
		instanceID = "instance-" + uuid.NewString()[:8]
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init order: hot tier, sync queue, locks, cache services,
	// cross-instance bus, then the hub; the bus binds back into the
	// message cache after both exist.
	hotClient := hottier.NewClient(signalCtx, hottier.ClientConfig{
		ClusterEnabled: appConfig.RedisClusterEnabled,
		MasterAddr:     net.JoinHostPort(appConfig.RedisMasterHost, strconv.Itoa(appConfig.RedisMasterPort)),
		ReplicaAddr:    net.JoinHostPort(appConfig.RedisSlaveHost, strconv.Itoa(appConfig.RedisSlavePort)),
		ConnectTimeout: appConfig.RedisConnectTimeout,
		MaxRetries:     appConfig.RedisMaxRetries,
		RetryDelay:     appConfig.RedisRetryDelay,
		Logger:         logger,
	})
	defer hotClient.Close() //nolint:errcheck

	store, err := durable.Connect(signalCtx, appConfig.MongoURI, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	queue, err := syncqueue.NewQueue(syncqueue.QueueConfig{Store: hotClient, Logger: logger})
	if err != nil {
		return err
	}

	locks, err := distlock.NewService(distlock.ServiceConfig{
		Store:      hotClient,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	roomCache, err := roomcache.NewService(roomcache.ServiceConfig{
		Hot:        hotClient,
		Store:      store,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	messageCache, err := messagecache.NewService(messagecache.ServiceConfig{
		Hot:        hotClient,
		Store:      store,
		Queue:      queue,
		Locks:      locks,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if err := roomCache.EnsureIndex(signalCtx); err != nil {
		logger.Warn("room index create failed", zap.Error(err))
	}
	if err := messageCache.EnsureIndex(signalCtx); err != nil {
		logger.Warn("message index create failed", zap.Error(err))
	}

	worker, err := syncworker.NewWorker(syncworker.WorkerConfig{
		Queue:  queue,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := worker.Start(signalCtx); err != nil {
		logger.Warn("sync worker start failed", zap.Error(err))
	}
	defer worker.Stop()

	var bus *crossinstance.Bus
	if appConfig.RedisCrossReplicationEnabled {
		bus, err = crossinstance.NewBus(crossinstance.BusConfig{
			Store:      hotClient,
			InstanceID: instanceID,
			Endpoint:   net.JoinHostPort(appConfig.RedisMasterHost, strconv.Itoa(appConfig.RedisMasterPort)),
			ServerPort: appConfig.HTTPPort,
			Dialer: func(dialCtx context.Context, masterAddr, replicaAddr string) crossinstance.PeerClient {
				return hottier.NewClient(dialCtx, hottier.ClientConfig{
					ClusterEnabled: replicaAddr != "",
					MasterAddr:     masterAddr,
					ReplicaAddr:    replicaAddr,
					ConnectTimeout: appConfig.RedisConnectTimeout,
					MaxRetries:     1,
					RetryDelay:     appConfig.RedisRetryDelay,
					Logger:         logger,
				})
			},
			StaticPeers:    appConfig.RedisPeerInstances,
			HealthInterval: appConfig.HealthCheckInterval,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		if err := bus.Start(signalCtx); err != nil {
			logger.Warn("cross-instance bus start failed", zap.Error(err))
		} else {
			messageCache.SetBroadcaster(bus)
			defer bus.Stop()
		}
	}

	var replicator *replication.Replicator
	if appConfig.MongoReplicationEnabled {
		peers := replication.ConnectPeers(signalCtx, appConfig.PeerInstances, logger)
		replicator, err = replication.NewReplicator(replication.ReplicatorConfig{
			Local:      store,
			Peers:      peers,
			InstanceID: instanceID,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		if err := replicator.Start(signalCtx); err != nil {
			logger.Warn("replication start failed", zap.Error(err))
		} else {
			defer replicator.Stop()
		}
	}

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.JWTSecret),
	})

	userDirectory, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		return err
	}

	var aiService ai.Service
	if client := ai.NewClientFromEnv(logger); client != nil {
		aiService = client
	}

	chatHub, err := hub.New(hub.Config{
		Rooms:    roomCache,
		Messages: messageCache,
		Users:    userDirectory,
		Tokens:   tokenManager,
		AI:       aiService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	wsHandler := hub.NewHandler(chatHub, logger)

	var objectStore objectstore.Store
	if appConfig.S3BucketName != "" {
		objectStore, err = objectstore.NewS3Store(objectstore.S3Config{
			AccessKeyID:     appConfig.AWSAccessKeyID,
			SecretAccessKey: appConfig.AWSSecretAccessKey,
			Region:          appConfig.AWSRegion,
			Bucket:          appConfig.S3BucketName,
			Expiry:          appConfig.PresignedURLExpiry,
		})
		if err != nil {
			logger.Warn("object store disabled", zap.Error(err))
			objectStore = nil
		}
	}

	var fileHandler *server.FileHandler
	if objectStore != nil {
		fileHandler = server.NewFileHandler(objectStore, store, roomCache, logger)
	}

	statusConfig := status.HandlerConfig{
		Hot:         hotClient,
		Durable:     store,
		Locks:       locks,
		Hub:         chatHub,
		Worker:      worker,
		Environment: appConfig.Environment,
		InstanceID:  instanceID,
		Logger:      logger,
	}
	// Typed nils must not reach the interface fields.
	if bus != nil {
		statusConfig.Bus = bus
	}
	if replicator != nil {
		statusConfig.Replication = replicator
	}
	statusHandler := status.NewHandler(statusConfig)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:      roomCache,
		Messages:   messageCache,
		Tokens:     tokenManager,
		Notifier:   chatHub,
		Files:      fileHandler,
		WSHandler:  wsHandler.ServeWS,
		StatusFunc: statusHandler.Register,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Warm the caches in the background so startup is not gated on them.
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if result, err := roomCache.WarmCache(warmCtx); err != nil {
			logger.Warn("room warm cache failed", zap.Error(err))
		} else {
			logger.Info("room cache warmed",
				zap.Int("cached", result.Cached),
				zap.Int("total", result.Total))
		}
		if warmed, err := messageCache.WarmAllActiveRooms(warmCtx); err != nil {
			logger.Warn("message warm cache failed", zap.Error(err))
		} else {
			logger.Info("active rooms warmed", zap.Int("rooms", warmed))
		}
	}()

	go func() {
		ticker := time.NewTicker(lockCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-signalCtx.Done():
				return
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if cleaned := locks.CleanupExpiredLocks(cleanupCtx); cleaned > 0 {
					logger.Info("expired locks cleaned", zap.Int("count", cleaned))
				}
				cancel()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", appConfig.HTTPPort),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", appConfig.HTTPPort),
			zap.String("instance_id", instanceID))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
		chatHub.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		chatHub.Shutdown()
		locks.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

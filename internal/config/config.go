package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "WAVECHAT"
	defaultHTTPPort    = 5001
	defaultEnvironment = "development"
	defaultLogLevel    = "info"

	defaultRedisMasterHost     = "127.0.0.1"
	defaultRedisMasterPort     = 6379
	defaultRedisSlavePort      = 6380
	defaultRedisConnectTimeout = 5 * time.Second
	defaultRedisMaxRetries     = 5
	defaultRedisRetryDelay     = 500 * time.Millisecond
	defaultRedisFailoverWait   = 3 * time.Second

	defaultMongoURI            = "mongodb://127.0.0.1:27017/wavechat"
	defaultHealthCheckInterval = 10 * time.Second
	defaultPresignedURLExpiry  = 300 * time.Second
)

// AppConfig captures runtime configuration for the chat backend.
type AppConfig struct {
	HTTPPort    int
	Environment string
	LogLevel    string
	JWTSecret   string

	RedisClusterEnabled bool
	RedisMasterHost     string
	RedisMasterPort     int
	RedisSlaveHost      string
	RedisSlavePort      int
	RedisConnectTimeout time.Duration
	RedisMaxRetries     int
	RedisRetryDelay     time.Duration
	RedisFailoverWait   time.Duration

	MongoURI                string
	MongoReplicationEnabled bool

	InstanceID                   string
	RedisCrossReplicationEnabled bool
	RedisPeerInstances           []string
	PeerInstances                []string
	HealthCheckInterval          time.Duration

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	S3BucketName       string
	PresignedURLExpiry time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.port", defaultHTTPPort)
	configViper.SetDefault("env", defaultEnvironment)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("redis.cluster_enabled", false)
	configViper.SetDefault("redis.master_host", defaultRedisMasterHost)
	configViper.SetDefault("redis.master_port", defaultRedisMasterPort)
	configViper.SetDefault("redis.slave_host", defaultRedisMasterHost)
	configViper.SetDefault("redis.slave_port", defaultRedisSlavePort)
	configViper.SetDefault("redis.connect_timeout", defaultRedisConnectTimeout)
	configViper.SetDefault("redis.max_retries", defaultRedisMaxRetries)
	configViper.SetDefault("redis.retry_delay", defaultRedisRetryDelay)
	configViper.SetDefault("redis.failover_timeout", defaultRedisFailoverWait)

	configViper.SetDefault("mongo.uri", defaultMongoURI)
	configViper.SetDefault("mongo.replication_enabled", false)

	configViper.SetDefault("instance.id", "")
	configViper.SetDefault("redis.cross_replication_enabled", false)
	configViper.SetDefault("redis.peer_instances", "")
	configViper.SetDefault("peer.instances", "")
	configViper.SetDefault("health.check_interval", defaultHealthCheckInterval)

	configViper.SetDefault("aws.region", "ap-northeast-2")
	configViper.SetDefault("s3.bucket_name", "")
	configViper.SetDefault("s3.presigned_url_expiry", defaultPresignedURLExpiry)

	// Legacy uppercase environment names used by existing deployments.
	bindLegacyEnv(configViper, "http.port", "PORT")
	bindLegacyEnv(configViper, "env", "NODE_ENV")
	bindLegacyEnv(configViper, "jwt.secret", "JWT_SECRET")
	bindLegacyEnv(configViper, "redis.cluster_enabled", "REDIS_CLUSTER_ENABLED")
	bindLegacyEnv(configViper, "redis.master_host", "REDIS_MASTER_HOST")
	bindLegacyEnv(configViper, "redis.master_port", "REDIS_MASTER_PORT")
	bindLegacyEnv(configViper, "redis.slave_host", "REDIS_SLAVE_HOST")
	bindLegacyEnv(configViper, "redis.slave_port", "REDIS_SLAVE_PORT")
	bindLegacyEnv(configViper, "redis.connect_timeout", "REDIS_CONNECT_TIMEOUT")
	bindLegacyEnv(configViper, "redis.max_retries", "REDIS_MAX_RETRIES")
	bindLegacyEnv(configViper, "redis.retry_delay", "REDIS_RETRY_DELAY")
	bindLegacyEnv(configViper, "redis.failover_timeout", "REDIS_FAILOVER_TIMEOUT")
	bindLegacyEnv(configViper, "mongo.uri", "MONGO_URI")
	bindLegacyEnv(configViper, "mongo.replication_enabled", "MONGO_REPLICATION_ENABLED")
	bindLegacyEnv(configViper, "instance.id", "INSTANCE_ID")
	bindLegacyEnv(configViper, "redis.cross_replication_enabled", "REDIS_CROSS_REPLICATION_ENABLED")
	bindLegacyEnv(configViper, "redis.peer_instances", "REDIS_PEER_INSTANCES")
	bindLegacyEnv(configViper, "peer.instances", "PEER_INSTANCES")
	bindLegacyEnv(configViper, "health.check_interval", "HEALTH_CHECK_INTERVAL")
	bindLegacyEnv(configViper, "aws.access_key_id", "AWS_ACCESS_KEY_ID")
	bindLegacyEnv(configViper, "aws.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	bindLegacyEnv(configViper, "aws.region", "AWS_REGION")
	bindLegacyEnv(configViper, "s3.bucket_name", "S3_BUCKET_NAME")
	bindLegacyEnv(configViper, "s3.presigned_url_expiry", "S3_PRESIGNED_URL_EXPIRY")
}

func bindLegacyEnv(configViper *viper.Viper, key, envName string) {
	if err := configViper.BindEnv(key, envName); err != nil {
		panic(err)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPPort:    configViper.GetInt("http.port"),
		Environment: configViper.GetString("env"),
		LogLevel:    configViper.GetString("log.level"),
		JWTSecret:   configViper.GetString("jwt.secret"),

		RedisClusterEnabled: configViper.GetBool("redis.cluster_enabled"),
		RedisMasterHost:     configViper.GetString("redis.master_host"),
		RedisMasterPort:     configViper.GetInt("redis.master_port"),
		RedisSlaveHost:      configViper.GetString("redis.slave_host"),
		RedisSlavePort:      configViper.GetInt("redis.slave_port"),
		RedisConnectTimeout: configViper.GetDuration("redis.connect_timeout"),
		RedisMaxRetries:     configViper.GetInt("redis.max_retries"),
		RedisRetryDelay:     configViper.GetDuration("redis.retry_delay"),
		RedisFailoverWait:   configViper.GetDuration("redis.failover_timeout"),

		MongoURI:                configViper.GetString("mongo.uri"),
		MongoReplicationEnabled: configViper.GetBool("mongo.replication_enabled"),

		InstanceID:                   configViper.GetString("instance.id"),
		RedisCrossReplicationEnabled: configViper.GetBool("redis.cross_replication_enabled"),
		RedisPeerInstances:           splitList(configViper.GetString("redis.peer_instances")),
		PeerInstances:                splitList(configViper.GetString("peer.instances")),
		HealthCheckInterval:          configViper.GetDuration("health.check_interval"),

		AWSAccessKeyID:     configViper.GetString("aws.access_key_id"),
		AWSSecretAccessKey: configViper.GetString("aws.secret_access_key"),
		AWSRegion:          configViper.GetString("aws.region"),
		S3BucketName:       configViper.GetString("s3.bucket_name"),
		PresignedURLExpiry: configViper.GetDuration("s3.presigned_url_expiry"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if strings.TrimSpace(c.MongoURI) == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http.port must be a valid TCP port")
	}
	if strings.TrimSpace(c.RedisMasterHost) == "" {
		return fmt.Errorf("redis.master_host is required")
	}
	return nil
}

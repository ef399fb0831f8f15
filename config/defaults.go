// =============================================================================
// 📦 RunFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:     DefaultEngineConfig(),
		Resources:  DefaultResourcesConfig(),
		Recovery:   DefaultRecoveryConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Mongo:      DefaultMongoConfig(),
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	s := workflow.DefaultSettings()
	return EngineConfig{
		ContinueOnError:   s.ContinueOnError,
		NodeTimeout:       s.NodeTimeout,
		MaxRetries:        s.MaxRetries,
		MaxNodeExecutions: s.MaxNodeExecutions,
		EventBuffer:       256,
		HistoryLimit:      100,
	}
}

// DefaultResourcesConfig 返回默认资源闸门配置
func DefaultResourcesConfig() ResourcesConfig {
	r := resource.DefaultConfig()
	return ResourcesConfig{
		MaxBrowsers:    r.MaxBrowsers,
		MaxNetwork:     r.MaxNetworkClients,
		AcquireTimeout: r.AcquireTimeout,
		NetworkRate:    r.NetworkRate,
		NetworkBurst:   r.NetworkBurst,
	}
}

// DefaultRecoveryConfig 返回默认恢复配置（熔断器默认关闭）
func DefaultRecoveryConfig() RecoveryConfig {
	b := recovery.DefaultBreakerConfig()
	return RecoveryConfig{
		CircuitBreaker:    false,
		FailureThreshold:  b.FailureThreshold,
		RecoveryTimeout:   b.RecoveryTimeout,
		HalfOpenMaxProbes: b.HalfOpenMaxProbes,
		SuccessThreshold:  b.SuccessThreshold,
	}
}

// DefaultCheckpointConfig 返回默认检查点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:     "memory",
		KeyPrefix:   "runflow:checkpoint:",
		TTL:         24 * time.Hour,
		MemoryLimit: 50,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "runflow",
		Password:        "",
		Name:            "runflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "runflow",
		Collection:     "checkpoints",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultServerConfig 返回默认服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		JWT: JWTConfig{
			Issuer: "runflow",
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "runflow",
		SampleRate:   0.1,
	}
}

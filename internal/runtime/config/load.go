package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load, for example
// REPLYFLOW_KAFKA_BROKERS or REPLYFLOW_RESPONSE_TTL.
const EnvPrefix = "REPLYFLOW"

const (
	keyPubSubSystem       = "pubsub_system"
	keyKafkaBrokers       = "kafka_brokers"
	keyKafkaClientID      = "kafka_client_id"
	keyKafkaConsumerGroup = "kafka_consumer_group"
	keyKafkaInitialOffset = "kafka_initial_offset"
	keyRabbitMQURL        = "rabbitmq_url"
	keyNATSURL            = "nats_url"
	keyNATSClientName     = "nats_client_name"
	keyResponseStore      = "response_store"
	keyResponseNotifier   = "response_notifier"
	keyRedisAddrs         = "redis_addrs"
	keyRedisUsername      = "redis_username"
	keyRedisPassword      = "redis_password"
	keyRedisDB            = "redis_db"
	keyResponseTTL        = "response_ttl"
	keyPublishTimeout     = "publish_timeout"
	keyMessageFloor       = "message_backoff_floor"
	keyMessageStep        = "message_backoff_step"
	keyStreamFloor        = "stream_backoff_floor"
	keyStreamStep         = "stream_backoff_step"
	keyResetStreamFaults  = "reset_stream_faults_on_recovery"
	keyMaxInFlightLanes   = "max_in_flight_lanes"
	keyOperationTimeout   = "operation_timeout"
	keyDrainTimeout       = "drain_timeout"
	keyMetricsEnabled     = "metrics_enabled"
	keyMetricsPort        = "metrics_port"
	keyWebUIEnabled       = "webui_enabled"
	keyWebUIPort          = "webui_port"
	keyWebUICORSOrigins   = "webui_cors_allowed_origins"
)

// Load reads REPLYFLOW_* environment variables and, when path is not empty,
// a config file (any format viper understands, including .env). Environment
// values win over the file. Defaults are applied and the result validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	cfg := &Config{
		PubSubSystem:                v.GetString(keyPubSubSystem),
		KafkaBrokers:                stringList(v, keyKafkaBrokers),
		KafkaClientID:               v.GetString(keyKafkaClientID),
		KafkaConsumerGroup:          v.GetString(keyKafkaConsumerGroup),
		KafkaInitialOffset:          v.GetString(keyKafkaInitialOffset),
		RabbitMQURL:                 v.GetString(keyRabbitMQURL),
		NATSURL:                     v.GetString(keyNATSURL),
		NATSClientName:              v.GetString(keyNATSClientName),
		ResponseStore:               v.GetString(keyResponseStore),
		ResponseNotifier:            v.GetString(keyResponseNotifier),
		RedisAddrs:                  stringList(v, keyRedisAddrs),
		RedisUsername:               v.GetString(keyRedisUsername),
		RedisPassword:               v.GetString(keyRedisPassword),
		RedisDB:                     v.GetInt(keyRedisDB),
		ResponseTTL:                 v.GetDuration(keyResponseTTL),
		PublishTimeout:              v.GetDuration(keyPublishTimeout),
		MessageBackoffFloor:         v.GetDuration(keyMessageFloor),
		MessageBackoffStep:          v.GetDuration(keyMessageStep),
		StreamBackoffFloor:          v.GetDuration(keyStreamFloor),
		StreamBackoffStep:           v.GetDuration(keyStreamStep),
		ResetStreamFaultsOnRecovery: v.GetBool(keyResetStreamFaults),
		MaxInFlightLanes:            v.GetInt(keyMaxInFlightLanes),
		OperationTimeout:            v.GetDuration(keyOperationTimeout),
		DrainTimeout:                v.GetDuration(keyDrainTimeout),
		MetricsEnabled:              v.GetBool(keyMetricsEnabled),
		MetricsPort:                 v.GetInt(keyMetricsPort),
		WebUIEnabled:                v.GetBool(keyWebUIEnabled),
		WebUIPort:                   v.GetInt(keyWebUIPort),
		WebUICORSAllowedOrigins:     stringList(v, keyWebUICORSOrigins),
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyPubSubSystem, "")
	v.SetDefault(keyKafkaBrokers, "")
	v.SetDefault(keyKafkaClientID, "replyflow")
	v.SetDefault(keyKafkaConsumerGroup, "")
	v.SetDefault(keyKafkaInitialOffset, "newest")
	v.SetDefault(keyRabbitMQURL, "")
	v.SetDefault(keyNATSURL, "")
	v.SetDefault(keyNATSClientName, "replyflow")
	v.SetDefault(keyResponseStore, SinkRedis)
	v.SetDefault(keyResponseNotifier, "")
	v.SetDefault(keyRedisAddrs, "localhost:6379")
	v.SetDefault(keyRedisUsername, "")
	v.SetDefault(keyRedisPassword, "")
	v.SetDefault(keyRedisDB, 0)
	v.SetDefault(keyResponseTTL, DefaultResponseTTL)
	v.SetDefault(keyPublishTimeout, DefaultPublishTimeout)
	v.SetDefault(keyMessageFloor, 0)
	v.SetDefault(keyMessageStep, 0)
	v.SetDefault(keyStreamFloor, 0)
	v.SetDefault(keyStreamStep, 0)
	v.SetDefault(keyResetStreamFaults, false)
	v.SetDefault(keyMaxInFlightLanes, 0)
	v.SetDefault(keyOperationTimeout, 0)
	v.SetDefault(keyDrainTimeout, DefaultDrainTimeout)
	v.SetDefault(keyMetricsEnabled, false)
	v.SetDefault(keyMetricsPort, 0)
	v.SetDefault(keyWebUIEnabled, false)
	v.SetDefault(keyWebUIPort, 0)
	v.SetDefault(keyWebUICORSOrigins, "")
}

// stringList accepts both native lists from config files and comma separated
// strings from the environment.
func stringList(v *viper.Viper, key string) []string {
	raw := v.Get(key)
	if s, ok := raw.(string); ok {
		var out []string
		for part := range strings.SplitSeq(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return v.GetStringSlice(key)
}

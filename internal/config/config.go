package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"2"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
	DBAutoMigrate           bool   `envconfig:"DB_AUTO_MIGRATE" default:"false"`

	// messaging provider
	LineAPIBaseURL  string        `envconfig:"LINE_API_BASE_URL" default:"https://api.line.me"`
	LineDataBaseURL string        `envconfig:"LINE_DATA_BASE_URL" default:"https://api-data.line.me"`
	ProviderRPS     float64       `envconfig:"PROVIDER_RPS" default:"20"`
	ProviderBurst   int           `envconfig:"PROVIDER_BURST" default:"40"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"6s"`
	FetchTimeout    time.Duration `envconfig:"FETCH_TIMEOUT" default:"5s"`
	UploadTimeout   time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"15s"`
	MaxContentBytes int64         `envconfig:"MAX_CONTENT_BYTES" default:"26214400"`

	BreakerMaxRequests  uint32        `envconfig:"BREAKER_MAX_REQUESTS" default:"5"`
	BreakerInterval     time.Duration `envconfig:"BREAKER_INTERVAL" default:"60s"`
	BreakerTimeout      time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
	BreakerFailureRatio float64       `envconfig:"BREAKER_FAILURE_RATIO" default:"0.6"`
	BreakerMinRequests  uint32        `envconfig:"BREAKER_MIN_REQUESTS" default:"10"`

	// AWS (S3 media, optional SQS inbound queue)
	AWSRegion          string `envconfig:"AWS_REGION" default:"ap-southeast-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	S3Bucket           string `envconfig:"S3_BUCKET_NAME" required:"true"`
	S3Prefix           string `envconfig:"S3_PREFIX" default:"uploads/"`
	S3PublicBaseURL    string `envconfig:"S3_PUBLIC_BASE_URL"`

	InboundQueueURL       string        `envconfig:"INBOUND_QUEUE_URL"`
	SQSWaitTime           int32         `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32         `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32         `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	InboundConcurrency    int           `envconfig:"INBOUND_CONCURRENCY" default:"4"`
	InboundProcessTimeout time.Duration `envconfig:"INBOUND_PROCESS_TIMEOUT" default:"30s"`

	// realtime
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"10"`
	WSSendBuffer  int    `envconfig:"WS_SEND_BUFFER" default:"256"`

	// transcript downloads render times in this IANA zone
	TranscriptTimezone string `envconfig:"TRANSCRIPT_TZ" default:"UTC"`

	// integration events
	EventsBackend string   `envconfig:"EVENTS_BACKEND" default:"none"`
	AMQPURL       string   `envconfig:"AMQP_URL"`
	AMQPExchange  string   `envconfig:"AMQP_EXCHANGE" default:"chat.events"`
	KafkaBrokers  []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string   `envconfig:"KAFKA_TOPIC" default:"chat.events"`
}

func LoadServer() ServerConfig {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

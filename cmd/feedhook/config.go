package main

import "time"

type config struct {
	Port int `env:"PORT, default=4444"`
	// Origins allowed to call the API from a browser
	CorsOrigins []string `env:"CORS_ORIGINS"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
	LogLevel     string `env:"LOG_LEVEL, default=info"`

	// Either sqlite or mongo
	StoreDriver   string `env:"STORE_DRIVER, default=sqlite"`
	Database      string `env:"DATABASE, default=feedhook.db"`
	MongoURI      string `env:"MONGO_URI, default=mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE, default=feedhook"`

	// Either memory, redis or temporal
	QueueDriver       string `env:"QUEUE_DRIVER, default=memory"`
	RedisAddr         string `env:"REDIS_ADDR, default=localhost:6379"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	TemporalHostPort  string `env:"TEMPORAL_HOST_PORT, default=localhost:7233"`
	TemporalNamespace string `env:"TEMPORAL_NAMESPACE, default=default"`

	// Which parts of the service this process runs
	RunAPI       bool `env:"RUN_API, default=true"`
	RunScheduler bool `env:"RUN_SCHEDULER, default=true"`
	RunWorker    bool `env:"RUN_WORKER, default=true"`

	FeedInterval    time.Duration `env:"FEED_INTERVAL, default=10s"`
	FeedStaleAfter  time.Duration `env:"FEED_STALE_AFTER, default=5m"`
	FeedPageSize    int           `env:"FEED_PAGE_SIZE, default=5000"`
	FeedConcurrency int           `env:"FEED_CONCURRENCY, default=4"`
	FeedFastPath    bool          `env:"FEED_FAST_PATH, default=true"`
	FeedLeaseTTL    time.Duration `env:"FEED_LEASE_TTL, default=2m"`
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT, default=10s"`
	FetchCacheSize  int           `env:"FETCH_CACHE_SIZE, default=4096"`
	UserAgent       string        `env:"USER_AGENT, default=feedhook/1.0"`

	SubscriptionInterval    time.Duration `env:"SUBSCRIPTION_INTERVAL, default=10s"`
	SubscriptionPageSize    int           `env:"SUBSCRIPTION_PAGE_SIZE, default=1000"`
	SubscriptionConcurrency int           `env:"SUBSCRIPTION_CONCURRENCY, default=4"`
	NotifyPageSize          int           `env:"NOTIFY_PAGE_SIZE, default=30"`
	NotifyConcurrency       int           `env:"NOTIFY_CONCURRENCY, default=4"`
	// Whether a webhook that could not be delivered still moves the
	// subscription past its entries
	AdvanceOnFailure bool          `env:"ADVANCE_ON_FAILURE, default=true"`
	WebhookTimeout   time.Duration `env:"WEBHOOK_TIMEOUT, default=5s"`
}

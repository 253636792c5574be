// Package config loads service options. Values come from built-in defaults,
// then an optional TOML file, then environment variables (a .env file in the
// working directory is loaded into the environment first).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	ServicePosts  = "posts"
	ServiceSearch = "search"
	ServiceMedia  = "media"
)

type Options struct {
	Service   string           `toml:"-"`
	Env       string           `toml:"env" env:"APP_ENV"`
	Log       LogOptions       `toml:"log"`
	HTTP      HTTPOptions      `toml:"http"`
	RabbitMQ  RabbitMQOptions  `toml:"rabbitmq"`
	Bus       BusOptions       `toml:"bus"`
	MongoDB   MongoDBOptions   `toml:"mongodb"`
	Redis     RedisOptions     `toml:"redis"`
	MemCached MemCachedOptions `toml:"memcached"`
	Cache     CacheOptions     `toml:"cache"`
	Auth      AuthOptions      `toml:"auth"`
	Tracing   TracingOptions   `toml:"tracing"`
}

type LogOptions struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"` // text or json
}

type HTTPOptions struct {
	Address   string `toml:"address" env:"HTTP_ADDRESS"`
	PublicURL string `toml:"public_url" env:"HTTP_PUBLIC_URL"` // base of the urls handed out for uploaded media
}

type RabbitMQOptions struct {
	Address  string `toml:"rabbitmq_address" env:"RABBITMQ_ADDRESS"`
	Port     int    `toml:"rabbitmq_port" env:"RABBITMQ_PORT"`
	Username string `toml:"rabbitmq_username" env:"RABBITMQ_USERNAME"`
	Password string `toml:"rabbitmq_password" env:"RABBITMQ_PASSWORD"`
	Vhost    string `toml:"rabbitmq_vhost" env:"RABBITMQ_VHOST"`
	Exchange string `toml:"exchange" env:"RABBITMQ_EXCHANGE"`
}

type BusOptions struct {
	ConnectAttempts uint64        `toml:"connect_attempts" env:"BUS_CONNECT_ATTEMPTS"`
	ConnectBackoff  time.Duration `toml:"connect_backoff" env:"BUS_CONNECT_BACKOFF"`
	Prefetch        int           `toml:"prefetch" env:"BUS_PREFETCH"`
	MaxInFlight     int           `toml:"max_in_flight" env:"BUS_MAX_IN_FLIGHT"`
}

type MongoDBOptions struct {
	Address  string        `toml:"mongodb_address" env:"MONGODB_ADDRESS"`
	Port     int           `toml:"mongodb_port" env:"MONGODB_PORT"`
	Database string        `toml:"database" env:"MONGODB_DATABASE"`
	Timeout  time.Duration `toml:"timeout" env:"MONGODB_TIMEOUT"`
}

type RedisOptions struct {
	Address  string `toml:"redis_address" env:"REDIS_ADDRESS"`
	Port     int    `toml:"redis_port" env:"REDIS_PORT"`
	Password string `toml:"redis_password" env:"REDIS_PASSWORD"`
	DB       int    `toml:"redis_db" env:"REDIS_DB"`
}

type MemCachedOptions struct {
	Address string `toml:"memcached_address" env:"MEMCACHED_ADDRESS"`
	Port    int    `toml:"memcached_port" env:"MEMCACHED_PORT"`
}

type CacheOptions struct {
	Backend                 string        `toml:"backend" env:"CACHE_BACKEND"` // redis, memcached or memory
	PostTTL                 time.Duration `toml:"post_ttl" env:"CACHE_POST_TTL"`
	ListingTTL              time.Duration `toml:"listing_ttl" env:"CACHE_LISTING_TTL"`
	RepeatInvalidationAfter time.Duration `toml:"repeat_invalidation_after" env:"CACHE_REPEAT_INVALIDATION_AFTER"`
}

type AuthOptions struct {
	JWTSecret string `toml:"jwt_secret" env:"JWT_SECRET"`
}

type TracingOptions struct {
	Enabled bool `toml:"enabled" env:"TRACING_ENABLED"`
}

var defaultHTTPAddress = map[string]string{
	ServicePosts:  ":3002",
	ServiceMedia:  ":3003",
	ServiceSearch: ":3004",
}

// Default returns the options a service runs with when nothing is configured.
func Default(service string) *Options {
	addr, ok := defaultHTTPAddress[service]
	if !ok {
		addr = ":3000"
	}
	return &Options{
		Service: service,
		Env:     "local",
		Log:     LogOptions{Level: "info", Format: "text"},
		HTTP:    HTTPOptions{Address: addr, PublicURL: "http://localhost" + addr},
		RabbitMQ: RabbitMQOptions{
			Address:  "localhost",
			Port:     5672,
			Username: "guest",
			Password: "guest",
			Vhost:    "/",
			Exchange: "facebook-events",
		},
		Bus: BusOptions{
			ConnectAttempts: 5,
			ConnectBackoff:  time.Second,
			Prefetch:        32,
			MaxInFlight:     16,
		},
		MongoDB:   MongoDBOptions{Address: "localhost", Port: 27017, Database: service, Timeout: 10 * time.Second},
		Redis:     RedisOptions{Address: "localhost", Port: 6379},
		MemCached: MemCachedOptions{Address: "localhost", Port: 11211},
		Cache: CacheOptions{
			Backend:                 "redis",
			PostTTL:                 3600 * time.Second,
			ListingTTL:              300 * time.Second,
			RepeatInvalidationAfter: time.Second,
		},
	}
}

// Load builds the options for service. path may be empty.
func Load(service, path string) (*Options, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "loading .env")
	}

	opts := Default(service)
	if path != "" {
		if _, err := toml.DecodeFile(path, opts); err != nil {
			return nil, errors.Wrapf(err, "decoding config file %s", path)
		}
	}
	if err := env.Parse(opts); err != nil {
		return nil, errors.Wrap(err, "parsing environment")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) Validate() error {
	switch o.Cache.Backend {
	case "redis", "memcached", "memory":
	default:
		return errors.Errorf("cache backend must be redis, memcached or memory, got %q", o.Cache.Backend)
	}
	if o.Bus.ConnectAttempts == 0 {
		return errors.New("bus connect_attempts must be at least 1")
	}
	if o.Bus.MaxInFlight <= 0 {
		return errors.Errorf("bus max_in_flight must be positive, got %d", o.Bus.MaxInFlight)
	}
	if o.Cache.PostTTL <= 0 || o.Cache.ListingTTL <= 0 {
		return errors.New("cache ttls must be positive")
	}
	if o.RabbitMQ.Exchange == "" {
		return errors.New("rabbitmq exchange is required")
	}
	return nil
}

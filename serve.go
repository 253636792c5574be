package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"contentfleet/pkg/api"
	"contentfleet/pkg/cache"
	"contentfleet/pkg/config"
	"contentfleet/pkg/eventbus"
	"contentfleet/pkg/services"
	"contentfleet/pkg/storage"
	"contentfleet/pkg/trace"
)

const (
	servicePosts  = config.ServicePosts
	serviceSearch = config.ServiceSearch
	serviceMedia  = config.ServiceMedia
)

var serviceShort = map[string]string{
	servicePosts:  "Run the posts service: owns posts and publishes post events",
	serviceSearch: "Run the search service: indexes posts from post events",
	serviceMedia:  "Run the media service: stores uploads and deletes them with their post",
}

func newServeCmd(service string, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   service,
		Short: serviceShort[service],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := config.Load(service, *configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
}

// app holds what a running service has opened, so it can be released in
// reverse order.
type app struct {
	opts    *config.Options
	logger  *slog.Logger
	mongo   *mongo.Client
	db      *mongo.Database
	bus     *eventbus.Bus
	aside   *cache.Aside
	closers []func(context.Context) error
}

func run(ctx context.Context, opts *config.Options) error {
	logger := config.NewLogger(os.Stdout, opts.Log, opts.Service)
	if opts.Auth.JWTSecret == "" {
		return errors.New("auth jwt_secret is required")
	}

	a := &app{opts: opts, logger: logger}
	defer a.shutdown()

	shutdownTracing, err := trace.Setup(ctx, opts.Service, opts.Tracing.Enabled, os.Stdout)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdownTracing)

	if err := a.connectMongo(ctx); err != nil {
		return err
	}
	if err := a.connectBus(ctx); err != nil {
		return err
	}

	router := api.NewRouter(logger)
	auth := api.NewAuthenticator(opts.Auth.JWTSecret)
	switch opts.Service {
	case servicePosts:
		err = a.setupPosts(ctx, router, auth)
	case serviceSearch:
		err = a.setupSearch(ctx, router, auth)
	case serviceMedia:
		err = a.setupMedia(ctx, router, auth)
	default:
		err = errors.Errorf("unknown service %q", opts.Service)
	}
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, opts.HTTP.Address, router, logger)
	})
	logger.Info("service started", "env", opts.Env)
	return g.Wait()
}

func (a *app) connectMongo(ctx context.Context) error {
	o := a.opts.MongoDB
	client, err := storage.MongoDBClient(ctx, o.Address, o.Port, o.Timeout)
	if err != nil {
		return err
	}
	a.mongo = client
	a.db = client.Database(o.Database)
	a.closers = append(a.closers, client.Disconnect)
	a.logger.Info("connected to mongodb", "address", o.Address, "port", o.Port, "database", o.Database)
	return nil
}

func (a *app) connectBus(ctx context.Context) error {
	r := a.opts.RabbitMQ
	uri := storage.RabbitMQURI(r.Username, r.Password, r.Address, r.Port, r.Vhost)
	a.bus = eventbus.New(eventbus.AMQPDialer(uri, a.opts.Service), eventbus.Options{
		Exchange:        r.Exchange,
		ConnectAttempts: a.opts.Bus.ConnectAttempts,
		ConnectBackoff:  a.opts.Bus.ConnectBackoff,
		Prefetch:        a.opts.Bus.Prefetch,
		MaxInFlight:     a.opts.Bus.MaxInFlight,
		Name:            a.opts.Service,
	}, a.logger)
	a.closers = append(a.closers, func(context.Context) error { return a.bus.Close() })
	return a.bus.Connect(ctx)
}

func (a *app) newCache() (cache.Cache, error) {
	switch a.opts.Cache.Backend {
	case "redis":
		o := a.opts.Redis
		client := storage.RedisClient(o.Address, o.Port, o.Password, o.DB)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		return cache.NewRedis(client), nil
	case "memcached":
		o := a.opts.MemCached
		return cache.NewMemcached(storage.MemCachedClient(o.Address, o.Port, time.Second)), nil
	case "memory":
		return cache.NewMemory(), nil
	}
	return nil, errors.Errorf("unknown cache backend %q", a.opts.Cache.Backend)
}

func (a *app) setupPosts(ctx context.Context, router *mux.Router, auth *api.Authenticator) error {
	store := storage.NewPostStore(a.db)
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}
	c, err := a.newCache()
	if err != nil {
		return err
	}
	a.aside = cache.NewAside(c, a.opts.Cache.RepeatInvalidationAfter, a.logger)
	posts := services.NewPostService(store, a.bus, a.aside, services.PostServiceOptions{
		PostTTL:    a.opts.Cache.PostTTL,
		ListingTTL: a.opts.Cache.ListingTTL,
	}, a.logger)
	api.RegisterPosts(router, posts, auth)
	return nil
}

func (a *app) setupSearch(ctx context.Context, router *mux.Router, auth *api.Authenticator) error {
	index := storage.NewSearchIndex(a.db)
	if err := index.EnsureIndexes(ctx); err != nil {
		return err
	}
	search := services.NewSearchService(index, a.logger)
	if err := search.Subscribe(ctx, a.bus); err != nil {
		return err
	}
	api.RegisterSearch(router, search, auth)
	return nil
}

func (a *app) setupMedia(ctx context.Context, router *mux.Router, auth *api.Authenticator) error {
	blobs, err := storage.NewBlobStore(a.db, a.opts.HTTP.PublicURL+"/api/media/files")
	if err != nil {
		return err
	}
	media := services.NewMediaService(storage.NewMediaStore(a.db), blobs, a.logger)
	if err := media.Subscribe(ctx, a.bus); err != nil {
		return err
	}
	api.RegisterMedia(router, media, auth)
	return nil
}

// shutdown closes the bus first so in-flight handlers finish against live
// stores, then waits for repeated invalidations before the rest goes away.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error("closing bus", "err", err)
		}
	}
	if a.aside != nil {
		a.aside.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("releasing resource", "err", err)
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"pairchat/internal/chat"
	"pairchat/internal/config"
	"pairchat/internal/db"
	"pairchat/internal/metrics"
	myMiddleware "pairchat/internal/middleware"
	"pairchat/internal/presence"
	"pairchat/internal/store/memstore"
	"pairchat/internal/store/mongostore"
	"pairchat/internal/store/pebblestore"
	"pairchat/internal/store/pgstore"
	"pairchat/internal/user"
)

// app is the wired server: stores, presence, chat core and routes.
type app struct {
	router   http.Handler
	registry *presence.Registry
	closers  []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warningf("closing: %v", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	messages, users, err := a.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a.registry = presence.NewRegistry(m)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			rdb.Close()
			return nil, errors.Annotate(err, "connecting to redis")
		}
		logger.Infof("✅ Connected to Redis")
		mirror := presence.NewRedisMirror(rdb, "", "")
		a.closers = append(a.closers, closerFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = mirror.Close()
			_ = mirror.Clear(ctx)
			return rdb.Close()
		}))
		a.registry.Watch(mirror)
	}

	userService := user.NewService(users, cfg.Auth.JWTSecret, clock.WallClock)
	userHandler := user.NewHandler(userService)

	dispatcher := chat.NewDispatcher(a.registry, m)
	service := chat.NewService(messages, a.registry, dispatcher, userService, clock.WallClock, m)
	hub := chat.NewHub(a.registry, service, dispatcher)
	limits := chat.Limits{
		SignalRate:   rate.Limit(cfg.Limits.SignalRate),
		SignalBurst:  cfg.Limits.SignalBurst,
		MaxBodyBytes: cfg.Limits.MaxBodyBytes,
	}
	chatHandler := chat.NewHandler(hub, service, cfg.Server.AllowedOrigins, limits, m)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"online":  len(a.registry.OnlineUsers()),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/auth/check", userHandler.CheckAuth)
		r.Put("/api/auth/update-profile", userHandler.UpdateProfile)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	a.router = r
	return a, nil
}

// openStores picks the message store by driver. Users live in Postgres
// whenever a DSN is configured, otherwise next to the messages in Mongo,
// otherwise in memory.
func (a *app) openStores(ctx context.Context, cfg *config.Config) (chat.Store, user.Store, error) {
	var (
		messages chat.Store
		users    user.Store
	)

	if cfg.Store.DSN != "" {
		database, err := db.NewDatabase(cfg.Store.DSN)
		if err != nil {
			return nil, nil, errors.Annotate(err, "connecting to postgres")
		}
		a.closers = append(a.closers, database)
		logger.Infof("✅ Connected to PostgreSQL")
		if err := database.AutoMigrate(ctx); err != nil {
			return nil, nil, err
		}
		logger.Infof("✅ Database Schema Initialized")
		users = user.NewRepository(database.Conn)
		if cfg.Store.Driver == config.DriverPostgres {
			messages = pgstore.NewRepository(database.Conn)
		}
	}

	switch cfg.Store.Driver {
	case config.DriverMongo:
		mdb, err := mongostore.Connect(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, closerFunc(func() error {
			return mdb.Client().Disconnect(context.Background())
		}))
		logger.Infof("✅ Connected to MongoDB")
		repo := mongostore.NewMessageRepository(mdb)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, nil, err
		}
		messages = repo
		if users == nil {
			userRepo := user.NewMongoRepository(mdb)
			if err := userRepo.EnsureIndexes(ctx); err != nil {
				return nil, nil, err
			}
			users = userRepo
		}

	case config.DriverPebble:
		s, err := pebblestore.Open(cfg.Store.PebblePath, nil)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s)
		messages = s

	case config.DriverMemory:
		messages = memstore.New()
	}

	if users == nil {
		logger.Warningf("no DB_DSN: users are kept in memory and lost on restart")
		users = user.NewMemoryRepository()
	}
	return messages, users, nil
}

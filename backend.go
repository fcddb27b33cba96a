package eventide

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/eventide/internal/command"
	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/internal/resources"
	"github.com/petrijr/eventide/internal/timerqueue"
)

// backend is the durable half of a Runtime: the store, the delayed timer
// queue and the entity store, all on one database.
type backend struct {
	store    persistence.Store
	timers   timerqueue.Queue
	entities command.EntityClient
	close    func() error
}

func memoryBackend() *backend {
	return &backend{
		store:    persistence.NewInMemoryStore(),
		timers:   timerqueue.NewInMemoryQueue(),
		entities: resources.NewMemoryEntityStore(),
		close:    func() error { return nil },
	}
}

// sqliteBackend builds a backend on db. The caller keeps ownership of db.
func sqliteBackend(db *sql.DB, cfg Config) (*backend, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	q, err := timerqueue.NewSQLiteQueue(db, cfg.TimerPollInterval)
	if err != nil {
		return nil, fmt.Errorf("sqlite timer queue: %w", err)
	}
	return &backend{
		store:    store,
		timers:   q,
		entities: resources.NewMemoryEntityStore(),
		close:    func() error { return nil },
	}, nil
}

// openBackend connects to the database named by cfg.
func openBackend(ctx context.Context, cfg Config) (*backend, error) {
	switch cfg.Backend {
	case BackendMemory:
		return memoryBackend(), nil

	case BackendSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY
		// and keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
		b, err := sqliteBackend(db, cfg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.close = db.Close
		return b, nil

	case BackendPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		q, err := timerqueue.NewPostgresQueue(db, cfg.TimerPollInterval)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres timer queue: %w", err)
		}
		return &backend{
			store:    store,
			timers:   q,
			entities: resources.NewMemoryEntityStore(),
			close:    db.Close,
		}, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &backend{
			store:    persistence.NewRedisStore(client, cfg.KeyPrefix),
			timers:   timerqueue.NewRedisQueue(client, cfg.KeyPrefix+"timers:", cfg.TimerPollInterval),
			entities: resources.NewRedisEntityStore(client, cfg.KeyPrefix+"entities:"),
			close:    client.Close,
		}, nil

	case BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		store, err := persistence.NewMongoStore(ctx, client, cfg.MongoDatabase)
		if err != nil {
			_ = disconnect()
			return nil, fmt.Errorf("mongo store: %w", err)
		}
		q, err := timerqueue.NewMongoQueue(ctx, client, cfg.MongoDatabase, "timer_items", cfg.TimerPollInterval)
		if err != nil {
			_ = disconnect()
			return nil, fmt.Errorf("mongo timer queue: %w", err)
		}
		return &backend{
			store:    store,
			timers:   q,
			entities: resources.NewMemoryEntityStore(),
			close:    disconnect,
		}, nil
	}
	return nil, errors.New("eventide: unknown backend " + cfg.Backend)
}

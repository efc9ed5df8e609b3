package conveyor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conveyor/internal/config"
	"github.com/petrijr/conveyor/internal/engine"
	"github.com/petrijr/conveyor/internal/logging"
	"github.com/petrijr/conveyor/internal/metrics"
	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/internal/scheduler"
	"github.com/petrijr/conveyor/internal/taskqueue"
	"github.com/petrijr/conveyor/internal/waitnotify"
	"github.com/petrijr/conveyor/pkg/api"
	"github.com/petrijr/conveyor/pkg/worker"
)

// Runtime wires an Executor to the store, dispatch queue, wait/notify
// engine and timers of one backend, plus a worker pool draining the queue.
//
// Typical usage:
//
//	rt, err := conveyor.Open(ctx, cfg)
//	if err != nil { ... }
//	defer rt.Close()
//
//	_ = rt.RegisterCallback("report", conveyor.CallbackFunc(report))
//	_ = rt.Start(ctx)
//	inst, err := rt.Execute(ctx, sm, nil, conveyor.ExecuteOptions{Callback: "report"})
type Runtime struct {
	*engine.Executor

	Worker    *worker.Worker
	Scheduler *scheduler.Scheduler
	Waits     *waitnotify.Engine

	queue   taskqueue.Queue
	cfg     config.Config
	logger  api.Logger
	closers []func(context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

type runtimeOptions struct {
	observers  []api.Observer
	logger     api.Logger
	delegate   api.DelegateService
	alerts     api.AlertService
	registerer prometheus.Registerer
	clock      func() time.Time
}

// Option configures Open.
type Option func(*runtimeOptions)

// WithObserver adds an observer of run and state events.
func WithObserver(obs api.Observer) Option {
	return func(o *runtimeOptions) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger replaces the logger built from Config.Log.
func WithLogger(l api.Logger) Option {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithDelegate sets the service that cancels remote work on abort.
func WithDelegate(d api.DelegateService) Option {
	return func(o *runtimeOptions) { o.delegate = d }
}

// WithAlerts sets the service told about instances paused for manual
// intervention.
func WithAlerts(a api.AlertService) Option {
	return func(o *runtimeOptions) { o.alerts = a }
}

// WithMetrics registers the Prometheus observer on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *runtimeOptions) { o.registerer = reg }
}

// WithClock overrides the clock of the executor, waits and timers.
func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) { o.clock = now }
}

type backend struct {
	store   persistence.Store
	queue   taskqueue.Queue
	waits   waitnotify.Store
	timers  scheduler.TimerStore
	closers []func(context.Context) error
}

// Open builds the runtime for cfg.Backend. Workers are not started until
// Start.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := runtimeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	observers := append([]api.Observer(nil), o.observers...)
	if o.registerer != nil {
		observers = append(observers, metrics.NewPrometheusObserver(o.registerer))
	}

	wn := waitnotify.New(b.waits, waitnotify.WithLogger(o.logger), waitnotify.WithClock(o.clock))
	sched := scheduler.New(b.timers, wn,
		scheduler.WithLogger(o.logger),
		scheduler.WithClock(o.clock),
		scheduler.WithSweepInterval(cfg.TimerSweep),
	)
	exec, err := engine.New(engine.Config{
		Store:      b.store,
		Queue:      b.queue,
		WaitNotify: wn,
		Scheduler:  sched,
		Delegate:   o.delegate,
		Alerts:     o.alerts,
		Observer:   api.NewCompositeObserver(observers...),
		Logger:     o.logger,
		Clock:      o.clock,
	})
	if err != nil {
		closeAll(ctx, b.closers)
		return nil, err
	}
	wn.OnResolved(exec.HandleResolved)

	w := worker.NewWithConfig(exec, b.queue, worker.Config{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     100 * time.Millisecond,
		Logger:      o.logger,
	})

	return &Runtime{
		Executor:  exec,
		Worker:    w,
		Scheduler: sched,
		Waits:     wn,
		queue:     b.queue,
		cfg:       cfg,
		logger:    o.logger,
		closers:   b.closers,
	}, nil
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &backend{
			store:  persistence.NewInMemoryStore(),
			queue:  taskqueue.NewInMemoryQueue(),
			waits:  waitnotify.NewInMemoryStore(),
			timers: scheduler.NewInMemoryTimerStore(),
		}, nil
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows a single writer; one connection also keeps a
		// :memory: database shared by every component.
		db.SetMaxOpenConns(1)
		return openSQL(db, persistence.SQLite)
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return openSQL(db, persistence.Postgres)
	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &backend{
			store:   persistence.NewRedisStore(client, cfg.RedisPrefix),
			queue:   taskqueue.NewRedisQueue(client, cfg.RedisPrefix),
			waits:   waitnotify.NewRedisStore(client, cfg.RedisPrefix),
			timers:  scheduler.NewRedisTimerStore(client, cfg.RedisPrefix),
			closers: []func(context.Context) error{func(context.Context) error { return client.Close() }},
		}, nil
	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return &backend{
			store:   persistence.NewMongoStore(client, cfg.MongoDatabase),
			queue:   taskqueue.NewMongoQueue(client, cfg.MongoDatabase, "tasks"),
			waits:   waitnotify.NewMongoStore(client, cfg.MongoDatabase),
			timers:  scheduler.NewMongoTimerStore(client, cfg.MongoDatabase),
			closers: []func(context.Context) error{client.Disconnect},
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func openSQL(db *sql.DB, dialect persistence.Dialect) (*backend, error) {
	fail := func(err error) (*backend, error) {
		_ = db.Close()
		return nil, err
	}
	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return fail(err)
	}
	queue, err := taskqueue.NewSQLQueue(db, dialect)
	if err != nil {
		return fail(err)
	}
	waits, err := waitnotify.NewSQLStore(db, dialect)
	if err != nil {
		return fail(err)
	}
	timers, err := scheduler.NewSQLTimerStore(db, dialect)
	if err != nil {
		return fail(err)
	}
	return &backend{
		store:   store,
		queue:   queue,
		waits:   waits,
		timers:  timers,
		closers: []func(context.Context) error{func(context.Context) error { return db.Close() }},
	}, nil
}

// Start runs Config.Workers workers and the timer sweep until Stop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("conveyor: runtime already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := r.Scheduler.Start(ctx); err != nil {
		cancel()
		return err
	}
	done := make(chan error, 1)
	go func() { done <- r.Worker.Run(ctx, r.cfg.Workers) }()

	r.cancel = cancel
	r.done = done
	r.running = true
	r.logger.Info("runtime started", "backend", string(r.cfg.Backend), "workers", r.cfg.Workers)
	return nil
}

// Stop stops the workers and the timer sweep and waits for them to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	if err := <-done; err != nil {
		r.logger.Error("worker pool stopped with error", "error", err)
	}
	r.Scheduler.Stop()
}

// Close stops the runtime and releases the backend connections.
func (r *Runtime) Close() error {
	r.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return closeAll(ctx, r.closers)
}

// Drain processes queued work inline, firing due timers, until nothing is
// left to do. It must not be mixed with Start.
func (r *Runtime) Drain(ctx context.Context) error {
	for {
		processed, err := r.Worker.TryProcessOne(ctx)
		if err != nil {
			return err
		}
		if processed {
			continue
		}
		fired, err := r.Scheduler.FireDue(ctx)
		if err != nil {
			return err
		}
		// Tasks still queued are scheduled for later.
		if fired == 0 {
			return nil
		}
	}
}

// Notify completes a correlation id handed out by an async state.
func (r *Runtime) Notify(ctx context.Context, correlationID string, response any) error {
	return r.Waits.Notify(ctx, correlationID, response)
}

// Pending reports the queued dispatch tasks and the timers not fired yet.
func (r *Runtime) Pending(ctx context.Context) (tasks, timers int, err error) {
	timers, err = r.Scheduler.Pending(ctx)
	return r.queue.Len(), timers, err
}

func closeAll(ctx context.Context, closers []func(context.Context) error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

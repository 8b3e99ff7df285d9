package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sbenjam1n/autoforge/internal/db"
	"github.com/sbenjam1n/autoforge/internal/deploy"
	"github.com/sbenjam1n/autoforge/internal/engine"
	"github.com/sbenjam1n/autoforge/internal/environment"
	"github.com/sbenjam1n/autoforge/internal/hub"
	"github.com/sbenjam1n/autoforge/internal/lifecycle"
	"github.com/sbenjam1n/autoforge/internal/planner"
	"github.com/sbenjam1n/autoforge/internal/queue"
	"github.com/sbenjam1n/autoforge/internal/store"
	"github.com/sbenjam1n/autoforge/internal/template"
	"github.com/sbenjam1n/autoforge/internal/validator"
	"github.com/sbenjam1n/autoforge/templates"
)

// app holds every component built from the loaded config.
type app struct {
	lib    *template.Library
	store  store.Store
	pool   *pgxpool.Pool
	rdb    *redis.Client
	queue  *queue.Queue
	engine *engine.Engine
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func openLibrary() (*template.Library, error) {
	if cfg.Templates.Dir == "" {
		return template.New(templates.Default, log.WithField("component", "templates"))
	}
	return template.Open(cfg.Templates.Dir, log.WithField("component", "templates"))
}

func connectDB(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("%w\nSet AUTOFORGE_DATABASE_URL or use store: memory", err)
	}
	return pool, nil
}

func connectRedis() (*redis.Client, error) {
	rdb, err := queue.ConnectRedis(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("%w\nSet AUTOFORGE_REDIS_URL environment variable", err)
	}
	return rdb, nil
}

func newCompleter() (planner.Completer, error) {
	if cfg.LLM.Provider == "static" {
		answer := cfg.LLM.StaticResponse
		return planner.CompleterFunc(func(context.Context, string) (string, error) { return answer, nil }), nil
	}
	return planner.NewOpenAI(planner.OpenAIConfig{
		Model:   cfg.LLM.Model,
		Token:   cfg.LLM.Token,
		BaseURL: cfg.LLM.BaseURL,
	})
}

// buildApp wires the pipeline. The memory store keeps state only for the
// lifetime of the process, so one-shot commands need the postgres store to
// see each other's records.
func buildApp(ctx context.Context) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	lib, err := openLibrary()
	if err != nil {
		return nil, err
	}
	a.lib = lib

	var locker deploy.Locker
	switch cfg.Store {
	case "postgres":
		a.pool, err = connectDB(ctx)
		if err != nil {
			return nil, err
		}
		a.store = store.NewPostgres(a.pool)
		locker = &deploy.AdvisoryLocker{Pool: a.pool}
	default:
		a.store = store.NewMemory()
		locker = deploy.NewMemoryLocker()
	}

	var enq deploy.Enqueuer
	var snapshots environment.Store = &environment.MemoryStore{}
	if cfg.Redis.URL != "" {
		a.rdb, err = connectRedis()
		if err != nil {
			return nil, err
		}
		a.queue = queue.New(a.rdb)
		if err := a.queue.EnsureStreams(ctx); err != nil {
			return nil, err
		}
		enq = a.queue
		snapshots = environment.RedisStore{Client: a.rdb}
	}

	hc := hub.New(cfg.Hub.URL, cfg.Hub.Token, cfg.Hub.Timeout)
	var src environment.Source = environment.HubSource{Hub: hc}
	if cfg.Snapshot.Source == "file" {
		src = environment.FileSource{Path: cfg.Snapshot.File}
	}
	env := &environment.Cached{
		Source: src,
		Store:  snapshots,
		TTL:    cfg.Snapshot.CacheTTL,
		Log:    log.WithField("component", "snapshot"),
	}

	llm, err := newCompleter()
	if err != nil {
		return nil, err
	}
	v, err := validator.New(lib, validator.Policy{
		TieBreak:      cfg.Resolution.TieBreak,
		DeniedDomains: cfg.Safety.DeniedDomains,
	}, log.WithField("component", "validator"))
	if err != nil {
		return nil, err
	}

	a.engine = &engine.Engine{
		Planner: planner.New(lib, llm, a.store, planner.Options{
			MaxAttempts:    cfg.LLM.MaxAttempts,
			AttemptTimeout: cfg.LLM.Timeout,
		}, log.WithField("component", "planner")),
		Validator: v,
		Env:       env,
		Store:     a.store,
		Deployer: deploy.New(a.store, hc, locker, enq, deploy.Options{
			MaxAttempts: cfg.Deploy.MaxAttempts,
			Timeout:     cfg.Deploy.Timeout,
		}, log.WithField("component", "deploy")),
		Registry: lifecycle.New(a.store),
		Target:   cfg.Hub.TargetID,
		Log:      log.WithField("component", "engine"),
	}
	ok = true
	return a, nil
}

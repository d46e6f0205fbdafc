package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/platinummonkey/gridguard/pkg/config"
	"github.com/platinummonkey/gridguard/pkg/fixtures"
	"github.com/platinummonkey/gridguard/pkg/observability"
	"github.com/platinummonkey/gridguard/pkg/rbac"
)

// Version is reported by the health endpoint. It is set at build time.
var Version = "dev"

// env is the state shared by one command invocation
type env struct {
	cfg    *config.Config
	logger *observability.Logger
	ctx    context.Context
}

// newEnv loads configuration and tags the invocation with a request id
func newEnv() (*env, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr).
		WithField("request_id", requestID)

	ctx := observability.WithRequestID(context.Background(), requestID)
	ctx = observability.WithLogger(ctx, logger)

	return &env{cfg: cfg, logger: logger, ctx: ctx}, nil
}

// openDB connects to url, or to the configured database when url is empty
func (e *env) openDB(url string) (*sql.DB, error) {
	if url == "" {
		if err := e.cfg.RequireDatabase(); err != nil {
			return nil, err
		}
		url = e.cfg.Database.URL
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(e.cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(e.cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(e.cfg.Database.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// openRedis connects to url. An empty url returns a nil client.
func (e *env) openRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// evaluator builds an evaluator from the permission settings
func (e *env) evaluator(metrics *observability.Metrics) (*rbac.Evaluator, error) {
	policy, err := rbac.ParseDefaultPolicy(e.cfg.Permissions.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	return rbac.NewEvaluator(
		rbac.WithDefaultPolicy(policy),
		rbac.WithLogger(e.logger),
		rbac.WithMetrics(metrics),
		rbac.WithRowConcurrency(e.cfg.Permissions.RowConcurrency),
	), nil
}

// sourceFlags selects where check and filter read permissions from
type sourceFlags struct {
	fixture   string
	dbURL     string
	workspace int64
}

func (s *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.fixture, "fixture", "", "YAML fixture to evaluate instead of the database")
	fs.StringVar(&s.dbURL, "db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	fs.Int64Var(&s.workspace, "workspace", 0, "Workspace id (taken from the fixture when one is given)")
}

// permissions is an opened permission source
type permissions struct {
	checker   *rbac.PermissionChecker
	fixture   *fixtures.Fixture
	workspace int64
	db        *sql.DB
}

func (p *permissions) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// user returns the user to check, with attrs layered over fixture attributes
func (p *permissions) user(id int64, attrs attributes) rbac.User {
	u := rbac.User{ID: id}
	if p.fixture != nil {
		u = p.fixture.User(id)
	}
	if len(attrs) > 0 {
		merged := make(map[string]string, len(u.Attributes)+len(attrs))
		for k, v := range u.Attributes {
			merged[k] = v
		}
		for k, v := range attrs {
			merged[k] = v
		}
		u.Attributes = merged
	}
	return u
}

// staticLoader serves one prebuilt snapshot
type staticLoader struct {
	snap *rbac.Snapshot
}

func (l staticLoader) LoadSnapshot(_ context.Context, workspaceID int64) (*rbac.Snapshot, error) {
	if workspaceID != l.snap.WorkspaceID() {
		return nil, fmt.Errorf("fixture holds workspace %d, not %d", l.snap.WorkspaceID(), workspaceID)
	}
	return l.snap, nil
}

// open loads the fixture or connects to the database. Snapshots are not
// cached because every command answers one question.
func (s *sourceFlags) open(e *env) (*permissions, error) {
	evaluator, err := e.evaluator(nil)
	if err != nil {
		return nil, err
	}
	failure, err := rbac.ParseFailurePolicy(e.cfg.Permissions.FailurePolicy)
	if err != nil {
		return nil, err
	}

	if s.fixture != "" {
		f, err := fixtures.LoadFile(s.fixture)
		if err != nil {
			return nil, err
		}
		snap, err := f.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("failed to build fixture snapshot: %w", err)
		}
		cache := rbac.NewSnapshotCache(staticLoader{snap: snap}, 0, 0, nil)
		return &permissions{
			checker:   rbac.NewPermissionChecker(nil, cache, evaluator, failure, e.logger),
			fixture:   f,
			workspace: f.Workspace,
		}, nil
	}

	if s.workspace == 0 {
		return nil, fmt.Errorf("--workspace is required without --fixture")
	}
	db, err := e.openDB(s.dbURL)
	if err != nil {
		return nil, err
	}
	store := rbac.NewStore(db)
	cache := rbac.NewSnapshotCache(store, 0, 0, nil)
	return &permissions{
		checker:   rbac.NewPermissionChecker(store, cache, evaluator, failure, e.logger),
		workspace: s.workspace,
		db:        db,
	}, nil
}

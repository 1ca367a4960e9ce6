package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/lucasnoah/stagegate/internal/approval"
	"github.com/lucasnoah/stagegate/internal/artifact"
	"github.com/lucasnoah/stagegate/internal/config"
	"github.com/lucasnoah/stagegate/internal/db"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/executor"
	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/ledger/filestore"
	"github.com/lucasnoah/stagegate/internal/pgstore"
	"github.com/lucasnoah/stagegate/internal/telemetry"
	"github.com/lucasnoah/stagegate/internal/transition"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

var errNoProducer = errors.New("no review producer configured (use --script or --claude)")

// producers are the external collaborators an engine consults. Unset
// collaborators leave the engine usable for manual operation.
type producers struct {
	review    approval.Producer
	content   executor.ContentProducer
	executive escalation.Executive
	author    string
}

// engine is the fully wired pipeline for one CLI invocation.
type engine struct {
	cfg         *config.GovernanceConfig
	cfgPath     string
	dataDir     string
	ledger      *ledger.Ledger
	items       *workitem.Manager
	transitions *transition.Manager
	collector   *approval.Collector
	escalations *escalation.Handler
	executor    *executor.Executor
	artifacts   artifact.Store
	logger      *slog.Logger
}

func (e *engine) Close() error {
	err := e.ledger.Close()
	telemetry.Shutdown(context.Background())
	return err
}

// withEngine opens the engine, runs fn and closes it.
func withEngine(ctx context.Context, p producers, fn func(context.Context, *engine) error) error {
	e, err := openEngine(ctx, p)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func dataDir() (string, error) {
	dir := viper.GetString("data-dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".stagegate")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return dir, nil
}

func loadGovernance() (*config.GovernanceConfig, string, error) {
	if path := viper.GetString("config"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	return config.LoadDefault()
}

// openStore opens the ledger backend selected by --backend.
func openStore(ctx context.Context, dir string) (ledger.Store, error) {
	switch backend := viper.GetString("backend"); backend {
	case "", "sqlite":
		d, err := db.Open(filepath.Join(dir, "ledger.db"))
		if err != nil {
			return nil, err
		}
		if err := d.Migrate(); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return d, nil
	case "file":
		return filestore.Open(filepath.Join(dir, "ledger.jsonl"))
	case "postgres":
		dsn := viper.GetString("dsn")
		if dsn == "" {
			return nil, errors.New("--backend postgres requires --dsn")
		}
		return pgstore.Open(ctx, dsn)
	case "memory":
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want sqlite, file, postgres or memory)", backend)
	}
}

func openEngine(ctx context.Context, p producers) (*engine, error) {
	logger := slog.Default()

	cfg, cfgPath, err := loadGovernance()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %d validation error(s), first: %s", displayPath(cfgPath), len(errs), errs[0])
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	g := cfg.Governance

	dir, err := dataDir()
	if err != nil {
		return nil, err
	}

	ts := telemetry.SettingsFromEnv()
	ts.Enabled = ts.Enabled || viper.GetBool("telemetry")
	if err := telemetry.Init(ctx, ts, "stagegate", version); err != nil {
		return nil, err
	}

	store, err := openStore(ctx, dir)
	if err != nil {
		telemetry.Shutdown(ctx)
		return nil, err
	}
	l, err := ledger.New(ctx, telemetry.WrapStore(store), ledger.WithLogger(logger))
	if err != nil {
		store.Close()
		telemetry.Shutdown(ctx)
		return nil, err
	}

	var artifacts artifact.Store = artifact.NewDirStore(filepath.Join(dir, "artifacts"))
	if viper.GetString("backend") == "memory" {
		artifacts = artifact.NewMemoryStore()
	}

	e := &engine{cfg: cfg, cfgPath: cfgPath, dataDir: dir, ledger: l, artifacts: artifacts, logger: logger}
	e.items = workitem.NewManager(l, cat,
		workitem.WithMaxIterations(g.MaxIterations),
		workitem.WithLogger(logger),
	)
	if _, err := e.items.Load(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("restore work items: %w", err)
	}

	e.transitions = transition.New(e.items, g.Authority.Orchestrator, transition.WithLogger(logger))

	escOpts := []escalation.Option{
		escalation.WithExecutiveActor(g.Authority.Executive),
		escalation.WithTimeout(g.Timeout()),
		escalation.WithLogger(logger),
	}
	if p.executive != nil {
		escOpts = append(escOpts, escalation.WithExecutive(p.executive))
	}
	e.escalations = escalation.New(e.items, escOpts...)
	if _, err := e.escalations.Load(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("restore escalations: %w", err)
	}

	review := p.review
	if review == nil {
		review = approval.ProducerFunc(func(context.Context, approval.Request) (approval.Response, error) {
			return approval.Response{}, errNoProducer
		})
	}
	e.collector = approval.New(e.items, review,
		approval.WithArtifacts(artifacts),
		approval.WithTimeout(g.Timeout()),
		approval.WithMaxParallel(g.MaxParallel),
		approval.WithLogger(logger),
	)

	execOpts := []executor.Option{
		executor.WithActor(g.Authority.Orchestrator),
		executor.WithLogger(logger),
	}
	if p.content != nil {
		execOpts = append(execOpts, executor.WithContent(p.content, artifacts))
		if p.author != "" {
			execOpts = append(execOpts, executor.WithAuthor(p.author))
		}
	}
	e.executor = executor.New(e.items, e.transitions, e.collector, e.escalations, execOpts...)
	return e, nil
}

func displayPath(p string) string {
	if p == "" {
		return "built-in config"
	}
	return p
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

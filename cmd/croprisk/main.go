package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/croprisk/internal/api"
	"github.com/lox/croprisk/internal/config"
	"github.com/lox/croprisk/internal/hazard"
	"github.com/lox/croprisk/internal/ingest"
	"github.com/lox/croprisk/internal/ledger"
	"github.com/lox/croprisk/internal/logging"
	"github.com/lox/croprisk/internal/models"
	"github.com/lox/croprisk/internal/store"
)

type CLI struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,default='.env',name=env-file,help='Path to a .env file.'"`
	Config  config.Config            `embed:""`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP API and the periodic refresh scheduler."`
	Cycle    CycleCmd    `cmd:"" help:"Run one refresh cycle for a field, or for every field."`
	AddField AddFieldCmd `cmd:"" name:"add-field" help:"Register or update a field."`
	Incident IncidentCmd `cmd:"" help:"Show the active incidents for a field."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations and exit."`
}

// app is the wiring shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	close  func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	st := store.New(db, logger)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &app{cfg: cfg, logger: logger, store: st, close: db.Close}, nil
}

func (a *app) orchestrator() (*ingest.Orchestrator, *ledger.Ledger, error) {
	if err := a.cfg.RequireAPIKey(); err != nil {
		return nil, nil, err
	}
	client := ingest.NewClient(ingest.ClientConfig{
		BaseURL:      a.cfg.BaseURL,
		APIKey:       a.cfg.APIKey,
		ResponseTime: a.cfg.ResponseTime,
		RateLimit:    a.cfg.RateLimit,
		Logger:       a.logger,
	})
	l := ledger.New(a.store, nil, a.logger)
	return ingest.NewOrchestrator(a.store, client, l, nil, a.logger), l, nil
}

type ServeCmd struct {
	config.Serve `embed:""`
}

func (c *ServeCmd) Run(cfg *config.Config) error {
	if err := c.Serve.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	orch, l, err := a.orchestrator()
	if err != nil {
		return err
	}

	if c.NoPoll {
		a.logger.Info("serve: polling disabled")
	} else {
		scheduler := ingest.NewScheduler(a.store, orch, nil, a.logger, ingest.SchedulerConfig{
			Interval:      c.RefreshInterval,
			Workers:       c.Workers,
			RetentionDays: c.RawPayloadRetentionDays,
		})
		go scheduler.Run(ctx)
	}

	server := api.NewServer(a.store, l, orch, c.HTTPAddr, a.logger)
	server.SetShutdownTimeout(c.ShutdownTimeout)
	return server.Run(ctx)
}

type CycleCmd struct {
	FieldID string `arg:"" optional:"" help:"Field to refresh."`
	All     bool   `help:"Refresh every registered field."`
	Crop    string `help:"Override the field's crop for the advisory request."`
	Workers int    `default:"4" help:"Concurrent refreshes with --all."`
}

func (c *CycleCmd) Run(cfg *config.Config) error {
	if c.All == (c.FieldID != "") {
		return errors.New("pass either a field id or --all")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	orch, _, err := a.orchestrator()
	if err != nil {
		return err
	}

	if c.All {
		scheduler := ingest.NewScheduler(a.store, orch, nil, a.logger, ingest.SchedulerConfig{Workers: c.Workers})
		summary, err := scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(summary)
	}

	result, err := orch.RunCycleForCrop(ctx, c.FieldID, c.Crop)
	if err != nil {
		return err
	}
	return printJSON(result)
}

type AddFieldCmd struct {
	FieldID string `arg:"" help:"Vendor field id."`
	Name    string `help:"Display name."`
	Crop    string `required:"" help:"Crop sent with advisory requests."`
}

func (c *AddFieldCmd) Run(cfg *config.Config) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.UpsertField(ctx, models.Field{FieldID: c.FieldID, Name: c.Name, Crop: c.Crop}); err != nil {
		return err
	}
	a.logger.Info("field registered", "field_id", c.FieldID, "crop", c.Crop)
	return nil
}

type IncidentCmd struct {
	FieldID string `arg:"" help:"Field to inspect."`
	Kind    string `help:"Limit to one hazard kind (flood, drought, pest)."`
	History bool   `help:"Include retired incidents."`
}

func (c *IncidentCmd) Run(cfg *config.Config) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	kind := models.HazardKind(c.Kind)
	if kind != "" && !hazard.Known(kind) {
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	if _, err := a.store.GetField(ctx, c.FieldID); err != nil {
		return err
	}
	l := ledger.New(a.store, nil, a.logger)

	if c.History {
		incidents, err := l.History(ctx, c.FieldID, kind, 50)
		if err != nil {
			return err
		}
		return printJSON(incidents)
	}

	kinds := models.HazardKinds
	if kind != "" {
		kinds = []models.HazardKind{kind}
	}
	active := make(map[models.HazardKind]*models.Incident, len(kinds))
	for _, kind := range kinds {
		inc, err := l.Active(ctx, c.FieldID, kind)
		if err != nil {
			return err
		}
		active[kind] = inc
	}
	return printJSON(active)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(cfg *config.Config) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	version, err := a.store.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("database migrated", "version", version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name("croprisk"),
		kong.Description("Crop loss risk windows from field sensing data."),
		kong.UsageOnError(),
	}, options...)...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run(&cli.Config))
}

// Package deployment assembles the core services around one database and
// one configuration. Nothing here is a process-wide singleton; transports
// mount the services they need from the Deployment value.
package deployment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/verkstad/verkstad/internal/attempts"
	"github.com/verkstad/verkstad/internal/config"
	"github.com/verkstad/verkstad/internal/container"
	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/drafts"
	"github.com/verkstad/verkstad/internal/events"
	"github.com/verkstad/verkstad/internal/gitsvc"
	"github.com/verkstad/verkstad/internal/images"
	"github.com/verkstad/verkstad/internal/notify"
)

// Deployment owns the wired core services.
type Deployment struct {
	Config    *config.Config
	DB        *db.DB
	Git       *gitsvc.Service
	Worktrees *gitsvc.WorktreeManager
	Container *container.Service
	Images    *images.Service
	Drafts    *drafts.Service
	Attempts  *attempts.Service
	Events    *events.Service
}

// New opens the database, installs the event hooks, wires every service, and
// reconciles state left over from a previous run.
func New(ctx context.Context, cfg *config.Config) (*Deployment, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	eventBus := events.New(database)
	if err := eventBus.Install(ctx); err != nil {
		database.Close()
		return nil, err
	}

	git := gitsvc.New()
	worktrees := gitsvc.NewWorktreeManager(cfg.WorktreeBaseDir, git)
	containers := container.New(database, git, worktrees, notify.LogNotifier{}, cfg.LogDir)
	imageStore := images.New(database, cfg.ImageCacheDir)
	draftsSvc := drafts.New(database, containers, imageStore)
	attemptsSvc := attempts.New(database, git, containers)

	if err := containers.ReconcileStartup(ctx); err != nil {
		eventBus.Close()
		database.Close()
		return nil, fmt.Errorf("startup reconciliation: %w", err)
	}

	return &Deployment{
		Config:    cfg,
		DB:        database,
		Git:       git,
		Worktrees: worktrees,
		Container: containers,
		Images:    imageStore,
		Drafts:    draftsSvc,
		Attempts:  attemptsSvc,
		Events:    eventBus,
	}, nil
}

// Run starts the background loops and blocks until ctx is cancelled.
func (d *Deployment) Run(ctx context.Context) {
	go d.Container.RunWorktreeGC(ctx)
	slog.Info("verkstad running", "data", d.Config.DataDir, "db", d.Config.DBPath)
	<-ctx.Done()
	slog.Info("shutting down")
}

// Close releases the deployment's resources.
func (d *Deployment) Close() {
	d.Events.Close()
	d.DB.Close()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/warpstation/app/controllers"
	"github.com/ManuelReschke/warpstation/app/repository"
	"github.com/ManuelReschke/warpstation/internal/pkg/cache"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
	"github.com/ManuelReschke/warpstation/internal/pkg/database"
	"github.com/ManuelReschke/warpstation/internal/pkg/env"
	"github.com/ManuelReschke/warpstation/internal/pkg/identity"
	"github.com/ManuelReschke/warpstation/internal/pkg/janitor"
	"github.com/ManuelReschke/warpstation/internal/pkg/mail"
	"github.com/ManuelReschke/warpstation/internal/pkg/payments"
	"github.com/ManuelReschke/warpstation/internal/pkg/router"
	"github.com/ManuelReschke/warpstation/internal/pkg/runpod"
	"github.com/ManuelReschke/warpstation/internal/pkg/warp"
)

const shutdownTimeout = 15 * time.Second

// Application holds the HTTP server and the background janitor.
type Application struct {
	Config  *config.Config
	App     *fiber.App
	Janitor *janitor.Manager
}

func main() {
	env.SetupEnvFile()
	if env.IsDev() {
		log.SetLevel(log.LevelDebug)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("[App] %v", err)
	}

	if cfg.Janitor.Enabled {
		application.Janitor.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.App.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port))
	}()

	select {
	case err := <-errCh:
		application.Janitor.Stop()
		log.Fatal(err)
	case <-ctx.Done():
	}

	log.Info("[App] Shutting down...")
	application.Janitor.Stop()
	if err := application.App.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[App] Shutdown: %v", err)
	}
}

// NewApplication connects the stores and wires every component.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := database.SetupDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	rdb := cache.SetupCache(ctx, cfg.Cache)

	repository.InitializeFactory(db)
	store := repository.GetGlobalFactory().GetStore()

	client := runpod.NewClient(cfg.RunPod, cfg.App.PublicURL)
	engine := warp.NewEngine(store, client, cfg.Warp, nil)
	sweeper := janitor.NewSweeper(engine, store.Repos().Warp, cfg.Janitor, nil)
	manager := janitor.NewManager(sweeper, rdb, cfg.Janitor)

	verifier, err := identity.NewSessionVerifier(cfg.Clerk.JWTPublicKeyPEM, nil)
	if err != nil {
		return nil, err
	}
	mailer := mail.NewSMTPMailer(cfg.Mail)

	app := fiber.New(fiber.Config{
		AppName:   "warpstation",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", router.BasicAuth(cfg.Admin), monitor.New())

	// SWAGGER / OPENAPI
	docPath := cfg.App.BasePath + "public/docs/v1/openapi.yml"
	if _, err := os.Stat(docPath); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: docPath,
			Path:     "v1",
		}))
	} else {
		log.Warnf("[App] OpenAPI document not found at %s, /docs/api disabled", docPath)
	}

	// ROUTER
	router.InstallRouter(app,
		router.NewApiRouter(
			controllers.NewWarpController(engine, store.Repos().User),
			controllers.NewWebhookController(
				payments.NewService(store, cfg.Stripe, mailer, nil),
				identity.NewService(store, cfg.Clerk, nil),
				engine,
				cfg.RunPod.WebhookSecret,
			),
			verifier,
			cache.NewLimiterStorage(cfg.Cache),
		),
		router.NewAdminRouter(controllers.NewAdminJanitorController(manager), cfg.Admin),
	)

	return &Application{Config: cfg, App: app, Janitor: manager}, nil
}

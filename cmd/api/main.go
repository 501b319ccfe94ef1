package main

import (
	"context"
	"fmt"
	"log"
	"time"

	common_api "brd-sync/internal/common/api"
	"brd-sync/internal/config"
	"brd-sync/internal/database"
	"brd-sync/internal/features/audit"
	"brd-sync/internal/features/brd"
	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/connection"
	"brd-sync/internal/features/fieldmap"
	"brd-sync/internal/features/jobqueue"
	"brd-sync/internal/features/notify"
	sync_feature "brd-sync/internal/features/sync"
	"brd-sync/internal/features/system"
	"brd-sync/internal/features/webhook"
	"brd-sync/internal/logger"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// NewFiberServer creates a new Fiber app instance
func NewFiberServer() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(middleware.CORSMiddleware())

	return app
}

// AsRoute is a helper function to reduce boilerplate.
// It tags the constructor so Fx knows to add it to the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(common_api.Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

// RegisterAllRoutes takes the group "routes" (slice of interfaces)
// and calls Setup() on each one.
func RegisterAllRoutes(app *fiber.App, routes []common_api.Route) {
	log.Printf("Registering %d routes...\n", len(routes))
	for i, route := range routes {
		log.Printf("Setting up route %d: %T\n", i+1, route)
		route.Setup(app)
	}
	log.Println("All routes registered successfully")
}

var RegisterAllRoutesWithAnnotation = fx.Annotate(
	RegisterAllRoutes,
	fx.ParamTags(``, `group:"routes"`),
)

// StartServer creates a lifecycle hook to start Fiber in a goroutine
// and shut it down when the app exits.
func StartServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				port := fmt.Sprintf(":%s", cfg.Port)
				if err := app.Listen(port); err != nil {
					log.Fatalf("Server failed to start: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	})
}

// InitializeIndexes creates the collection indexes and seeds the default
// field mapping rules. Jobs must not start before the queue indexes exist,
// so this hook runs synchronously.
func InitializeIndexes(
	lc fx.Lifecycle,
	credentials connection.CredentialManager,
	syncService sync_feature.SyncService,
	backend jobqueue.Backend,
	deliveries webhook.DeliveryRepository,
	rules fieldmap.RuleService,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := backend.EnsureIndexes(ctx); err != nil {
				return fmt.Errorf("sync job indexes: %w", err)
			}
			if err := credentials.EnsureIndexes(ctx); err != nil {
				logger.Error("Failed to ensure connection indexes", zap.Error(err))
			}
			if err := syncService.EnsureIndexes(ctx); err != nil {
				logger.Error("Failed to ensure sync indexes", zap.Error(err))
			}
			if err := deliveries.EnsureIndexes(ctx); err != nil {
				logger.Error("Failed to ensure webhook delivery indexes", zap.Error(err))
			}
			if err := rules.SeedDefaults(ctx); err != nil {
				logger.Error("Failed to seed default field mapping rules", zap.Error(err))
			}
			return nil
		},
	})
}

// RunQueue starts the job workers with the sync orchestrator as handler.
func RunQueue(lc fx.Lifecycle, queue *jobqueue.Queue, syncService sync_feature.SyncService) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return queue.Start(context.Background(), syncService)
		},
		OnStop: func(ctx context.Context) error {
			return queue.Stop(ctx)
		},
	})
}

// @title           BRD Sync API
// @version         1.0
// @description     Bi-directional sync between BRD records and Jira issues.

// @host            localhost:8000
// @BasePath        /
func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			logger.NewLogger,
			NewFiberServer,

			database.NewDatabase,
			database.NewSQL,

			// Repositories
			audit.NewAuditRepository,
			connection.NewConnectionRepository,
			connection.NewStateRepository,
			fieldmap.NewRuleRepository,
			conflict.NewConflictRepository,
			sync_feature.NewMappingRepository,
			webhook.NewDeliveryRepository,
			jobqueue.NewBackend,
			jobqueue.NewLocker,
			brd.NewStore,

			// Services
			audit.NewAuditService,
			connection.ProvideTokenCipher,
			connection.NewCredentialManager,
			fieldmap.NewEngine,
			fieldmap.NewRuleService,
			conflict.NewResolver,
			notify.NewHub,
			notify.ProvideEventSink,
			jobqueue.NewQueue,
			sync_feature.NewRemoteFactory,
			sync_feature.NewSyncService,
			sync_feature.NewSchedulerService,
			webhook.NewWebhookService,

			// sync imports webhook for its event type, so the trigger is
			// bound here instead of inside either package
			func(s sync_feature.SyncService) webhook.Trigger { return s },

			// Controllers
			audit.NewAuditController,
			connection.NewConnectionController,
			fieldmap.NewRuleController,
			sync_feature.NewSyncController,
			webhook.NewWebhookController,
			notify.NewNotifyController,
			system.NewDebugController,

			// API Routes
			AsRoute(audit.NewAuditApi),
			AsRoute(connection.NewConnectionApi),
			AsRoute(fieldmap.NewRuleApi),
			AsRoute(sync_feature.NewSyncApi),
			AsRoute(webhook.NewWebhookApi),
			AsRoute(notify.NewNotifyApi),
			AsRoute(system.NewDebugApi),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			RegisterAllRoutesWithAnnotation,
			InitializeIndexes,
			RunQueue,
			func(lc fx.Lifecycle, scheduler sync_feature.SchedulerService) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return scheduler.InitializeScheduler(ctx)
					},
					OnStop: func(ctx context.Context) error {
						return scheduler.StopScheduler()
					},
				})
			},
			StartServer,
		),
	)

	app.Run()
}

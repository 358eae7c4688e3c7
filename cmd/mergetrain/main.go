package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/haatos/merge-train/internal"
	"github.com/haatos/merge-train/internal/handler"
	"github.com/haatos/merge-train/internal/service"
	"github.com/haatos/merge-train/internal/settings"
	"github.com/haatos/merge-train/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	settings.ReadDotenv(internal.DotEnvPath)
	settings.Settings = settings.NewSettings()
	internal.InitializeConfiguration(settings.Settings.ConfigPath)

	rdb := store.InitDatabase(true)
	defer rdb.Close()
	rwdb := store.InitDatabase(false)
	defer rwdb.Close()

	var locker service.Locker = service.NewKeyedMutex()
	if settings.Settings.UsePostgres() {
		store.RunMigrations(rwdb, store.DialectPostgres)
		lockdb := store.InitLockDatabase(max(8, 2*int(internal.Config.DispatchWorkers)))
		defer lockdb.Close()
		locker = store.NewAdvisoryLocker(lockdb)
	} else {
		store.RunMigrations(rwdb, store.DialectSQLite)
	}

	privateKey, err := os.ReadFile(settings.Settings.SSHKeyPath)
	if err != nil {
		log.Fatal("err reading ssh private key: ", err)
	}
	runner := service.NewSSHRunner(
		settings.Settings.SSHHost,
		settings.Settings.SSHUser,
		privateKey,
		30*time.Second,
	)
	defer runner.Close()

	taskQueue := service.NewTaskQueue(
		internal.Config.DispatchQueueSize,
		internal.Config.DispatchWorkers,
	)
	trainSvc := service.NewTrainService(
		store.NewEntrantSQLiteStore(rdb, rwdb),
		locker,
		taskQueue,
		service.NewSSHMergeExecutor(runner, internal.Config.Project),
		service.NewSimpleCIClient(
			settings.Settings.SimpleCIURL,
			settings.Settings.SimpleCIKey,
			func(projectID int64) (int64, bool) {
				p, ok := internal.Config.Project(projectID)
				return p.SimpleCIPipelineID, ok
			},
		),
		internal.Config.HistoryLimit,
		internal.Config.MergeTimeout.Duration(),
	)
	taskQueue.Start(trainSvc.HandleTask)
	defer taskQueue.Shutdown()

	// settle merges interrupted by a previous run
	if err := trainSvc.ProcessTrains(context.Background()); err != nil {
		log.Printf("err processing merge trains on startup: %+v\n", err)
	}

	scheduler := service.NewScheduler()
	defer scheduler.Shutdown()
	if _, err := service.ScheduleSweep(
		scheduler,
		trainSvc,
		internal.Config.SweepInterval.Duration(),
	); err != nil {
		log.Fatal(err)
	}
	scheduler.Start()

	e := setupEcho()
	api := e.Group("/api")
	handler.SetupEntrantRoutes(api, trainSvc)
	handler.SetupProjectRoutes(api, trainSvc)
	handler.SetupHookRoutes(api, trainSvc, settings.Settings.WebhookKey)

	internal.GracefulShutdown(e, settings.Settings.Port)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(
		middleware.Recover(),
		middleware.Logger(),
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}

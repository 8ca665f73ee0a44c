package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ecssync/api"
	"ecssync/pkg/config"
	"ecssync/pkg/filter"
	"ecssync/pkg/jobs"
	"ecssync/pkg/log"
	"ecssync/pkg/scheduler"
	"ecssync/pkg/state"
	"ecssync/pkg/storage"
)

func main() {
	var envConf = flag.String("conf", "config/local.yml", "config path, eg: -conf ./config/local.yml")
	var encrypt = flag.String("encrypt-password", "", "print the encrypted form of a database password and exit")
	flag.Parse()

	conf := config.NewConfig(*envConf)
	passphrase := conf.GetString("security.passphrase")

	if *encrypt != "" {
		enc, err := state.EncryptPassword(*encrypt, passphrase)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encrypt password:", err)
			os.Exit(1)
		}
		fmt.Println(enc)
		return
	}

	logger := log.NewLog(conf)
	defer logger.Sync()

	dataDir := conf.GetString("jobs.data_dir")
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			logger.Fatal("failed to create data dir", zap.String("dir", dataDir), zap.Error(err))
		}
	}

	manager := jobs.NewManager(jobs.Config{
		MaxJobs:    conf.GetInt("jobs.max"),
		Passphrase: passphrase,
		DataDir:    dataDir,
		S3:         config.LoadS3Settings(conf),
		Storages:   storage.NewRegistry(),
		Filters:    filter.NewRegistry(),
		Logger:     logger,
	})

	sched := scheduler.NewScheduler(manager, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	if conf.GetString("env") == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.GetString("http.host"), conf.GetInt("http.port")),
		Handler: api.SetupRouter(api.NewHandler(manager, sched, logger)),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("jobs did not stop in time", zap.Error(err))
	}
	logger.Info("server exited")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/config"
	"github.com/eskrenkovic/matchpoint/internal/server"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 1 {
		rootPath := os.Args[1]
		if rootPath == "" {
			log.Fatal("root directory path is empty")
		}

		if err := godotenv.Load(path.Join(rootPath, "config.env")); err != nil {
			log.Fatal(err)
		}

		if _, found := os.LookupEnv(config.RootPathEnv); !found {
			if err := os.Setenv(config.RootPathEnv, rootPath); err != nil {
				log.Fatal(err)
			}
		}
	}

	conf, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	srv, err := server.NewHTTPServer(conf)
	if err != nil {
		conf.Logger.Fatal("failed to build server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartWorkers(ctx)

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start()
	}()

	select {
	case err := <-errs:
		if err != nil {
			conf.Logger.Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		conf.Logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Fatal(err)
	}
}

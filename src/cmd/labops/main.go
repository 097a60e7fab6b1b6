package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casapps/labops/src/internal/config"
	"github.com/casapps/labops/src/internal/database"
	"github.com/casapps/labops/src/internal/server"
	"github.com/casapps/labops/src/internal/storage"
	"github.com/casapps/labops/src/pkg/utils"
)

var Version = "dev"

func main() {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--version", "-v":
			fmt.Printf("LabOps v%s\n", Version)
			os.Exit(0)
		case "--help", "-h":
			printHelp()
			os.Exit(0)
		}
	}

	logger := utils.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Initialize(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	executor := storage.NewLocalExecutor()
	srv := server.New(cfg, db, logger, executor)

	addr := fmt.Sprintf("%s:%d", cfg.GetString("server.host"), cfg.GetInt("server.port"))
	go func() {
		if err := srv.Start(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func printHelp() {
	fmt.Println(`LabOps - laboratory operations platform

Usage:
  labops [flags]

Flags:
  -v, --version   Print version
  -h, --help      Print help

Configuration is read from config.yaml (working directory or /etc/labops)
and LABOPS_* environment variables.`)
}

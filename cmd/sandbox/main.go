package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/infrastructure/sii/sandbox"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	var (
		addr       string
		tokenTTL   time.Duration
		pollsDelay int
	)
	flag.StringVar(&addr, "addr", "", "Listen address (default: sandbox.addr from config)")
	flag.DurationVar(&tokenTTL, "token-ttl", 0, "Lifetime of issued session tokens (default 10m)")
	flag.IntVar(&pollsDelay, "polls-before-accept", 0, "Status queries answered as in-process before a verdict")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Fields: map[string]string{"service": "dte-sandbox", "app_env": cfg.App.Env},
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	if addr == "" {
		addr = cfg.Sandbox.Addr
	}
	gin.SetMode(gin.ReleaseMode)

	opts := []sandbox.Option{
		sandbox.WithLogger(log),
		sandbox.WithResponseDelay(cfg.Sandbox.ResponseDelay),
	}
	if tokenTTL > 0 {
		opts = append(opts, sandbox.WithTokenTTL(tokenTTL))
	}
	sb := sandbox.New(opts...)
	sb.SetPollsBeforeAccept(pollsDelay)

	srv := &http.Server{
		Addr:              addr,
		Handler:           sb.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Sandbox authority starting",
			zap.String("addr", srv.Addr),
			zap.Duration("response_delay", cfg.Sandbox.ResponseDelay),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start sandbox", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down sandbox...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Sandbox forced to shutdown", zap.Error(err))
	}
	log.Info("Sandbox exited")
}

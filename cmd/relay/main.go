package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/adapter/driven/media/pion"
	handler "github.com/huddlehq/huddle/internal/adapter/driving/http"
	"github.com/huddlehq/huddle/internal/config"
	"github.com/huddlehq/huddle/internal/core/service"
)

func main() {
	cfg := config.Load()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger().Level(cfg.LogLevel)
	zlog.Logger = l

	forwarder := pion.NewForwarder()
	rooms := service.NewRoomService(forwarder)
	h := handler.NewHandler(rooms)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start relay")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Relay forced to shutdown")
	}
	l.Info().Msg("Relay exited")
}

// Command signal-relay serves the websocket signaling hub used by WSRelay
// clients. Clients authenticate with an HS256 token whose subject is their
// participant id.
//
// Usage:
//
//	signal-relay               serve
//	signal-relay token <id>    print a token for participant id
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	configureLogging(cfg)

	if len(os.Args) == 3 && os.Args[1] == "token" {
		token, err := issueToken([]byte(cfg.JWTSecret), os.Args[2], cfg.TokenTTL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	hub := signaling.NewHub(newAuthorizer([]byte(cfg.JWTSecret)), originChecker(cfg.AllowedOrigins))
	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     newRouter(cfg, hub),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"addr":     cfg.Addr(),
		}).Info("Signaling relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server error")
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	logrus.WithField("function", "main").Info("Shutting down")
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Forced shutdown")
	}
}

func configureLogging(cfg Config) {
	logrus.SetLevel(cfg.LogLevel)
	if cfg.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// newRouter mounts the hub at /ws and a health probe at /healthz.
func newRouter(cfg Config, hub *signaling.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"clients": hub.Clients()})
	})
	r.Get("/ws", hub.ServeHTTP)

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}

// originChecker accepts websocket upgrades from the configured origins and
// from non-browser clients, which send no Origin header.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

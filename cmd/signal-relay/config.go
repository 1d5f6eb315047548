package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the relay server settings. Every field comes from the
// environment; a .env file in the working directory is loaded first.
type Config struct {
	Host           string
	Port           int
	JWTSecret      string
	TokenTTL       time.Duration
	AllowedOrigins []string
	LogLevel       logrus.Level
	LogJSON        bool
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads the configuration. A missing .env file is not an error.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("RELAY_PORT", "8089"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RELAY_PORT: %w", err)
	}

	ttl, err := time.ParseDuration(getEnv("RELAY_TOKEN_TTL", "12h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RELAY_TOKEN_TTL: %w", err)
	}

	level, err := logrus.ParseLevel(getEnv("RELAY_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RELAY_LOG_LEVEL: %w", err)
	}

	logJSON, err := strconv.ParseBool(getEnv("RELAY_LOG_JSON", "true"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RELAY_LOG_JSON: %w", err)
	}

	secret := getEnv("RELAY_JWT_SECRET", "")
	if secret == "" {
		return Config{}, fmt.Errorf("RELAY_JWT_SECRET environment variable is required")
	}

	return Config{
		Host:           getEnv("RELAY_HOST", "0.0.0.0"),
		Port:           port,
		JWTSecret:      secret,
		TokenTTL:       ttl,
		AllowedOrigins: splitList(getEnv("RELAY_ALLOWED_ORIGINS", "http://localhost:3000")),
		LogLevel:       level,
		LogJSON:        logJSON,
	}, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

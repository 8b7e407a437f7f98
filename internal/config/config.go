// apps/go-server/internal/config/config.go
//
// Server configuration from the environment.
// Responsibilities:
//   - Reading env vars (after main has loaded .env via godotenv).
//   - Applying defaults and rejecting malformed values up front.
//
// Notes:
//   - DB_PATH "memory" (or empty) selects the in-memory store.
//   - Flags on the serve command override these values.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/puzzle"
)

// MemoryDB is the DB_PATH value that disables persistence.
const MemoryDB = "memory"

// Config holds every server setting.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string // "json" | "console"
	DBPath    string

	ClientOrigin     string
	SeatSecret       string
	RequireSeatToken bool

	ActionRate  float64 // actions per second per client IP; 0 disables limiting
	ActionBurst int

	PuzzleBuffer       int
	DefaultTargetScore int
	PuzzleMin          int
	PuzzleMax          int

	RequestTimeout time.Duration
	StoreTimeout   time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:               "5175",
		LogLevel:           "info",
		LogFormat:          "json",
		DBPath:             "./data/race24.db",
		ClientOrigin:       "http://localhost:5173",
		SeatSecret:         "dev_secret_change_me",
		ActionRate:         10,
		ActionBurst:        20,
		PuzzleBuffer:       game.DefaultBufferSize,
		DefaultTargetScore: game.DefaultTargetScore,
		PuzzleMin:          puzzle.DefaultMin,
		PuzzleMax:          puzzle.DefaultMax,
		RequestTimeout:     10 * time.Second,
		StoreTimeout:       2 * time.Second,
	}
}

// Load reads the environment on top of Default.
func Load() (Config, error) {
	c := Default()
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", c.LogFormat))
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.ClientOrigin = getEnv("CLIENT_ORIGIN", c.ClientOrigin)
	c.SeatSecret = getEnv("SEAT_SECRET", c.SeatSecret)

	var errs []error
	c.RequireSeatToken = envBool("REQUIRE_SEAT_TOKEN", c.RequireSeatToken, &errs)
	c.ActionRate = envFloat("ACTION_RATE", c.ActionRate, &errs)
	c.ActionBurst = envInt("ACTION_BURST", c.ActionBurst, &errs)
	c.PuzzleBuffer = envInt("PUZZLE_BUFFER", c.PuzzleBuffer, &errs)
	c.DefaultTargetScore = envInt("DEFAULT_TARGET_SCORE", c.DefaultTargetScore, &errs)
	c.PuzzleMin = envInt("PUZZLE_MIN", c.PuzzleMin, &errs)
	c.PuzzleMax = envInt("PUZZLE_MAX", c.PuzzleMax, &errs)
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", c.RequestTimeout, &errs)
	c.StoreTimeout = envDuration("STORE_TIMEOUT", c.StoreTimeout, &errs)
	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	return c, c.Validate()
}

// Validate checks ranges that would otherwise fail later and obscurely.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is empty"))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if c.ActionRate < 0 {
		errs = append(errs, fmt.Errorf("ACTION_RATE must be >= 0, got %v", c.ActionRate))
	}
	if c.ActionRate > 0 && c.ActionBurst < 1 {
		errs = append(errs, fmt.Errorf("ACTION_BURST must be >= 1, got %d", c.ActionBurst))
	}
	if c.PuzzleBuffer < 1 {
		errs = append(errs, fmt.Errorf("PUZZLE_BUFFER must be >= 1, got %d", c.PuzzleBuffer))
	}
	if c.DefaultTargetScore < 1 || c.DefaultTargetScore > game.MaxTargetScore {
		errs = append(errs, fmt.Errorf("DEFAULT_TARGET_SCORE must be in 1..%d, got %d", game.MaxTargetScore, c.DefaultTargetScore))
	}
	if c.PuzzleMin < 1 || c.PuzzleMax < c.PuzzleMin {
		errs = append(errs, fmt.Errorf("puzzle range %d..%d is invalid", c.PuzzleMin, c.PuzzleMax))
	}
	if c.RequestTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT and STORE_TIMEOUT must be positive"))
	}
	if c.RequireSeatToken && c.SeatSecret == "" {
		errs = append(errs, errors.New("REQUIRE_SEAT_TOKEN needs SEAT_SECRET"))
	}
	return errors.Join(errs...)
}

// InMemory reports whether persistence is disabled.
func (c Config) InMemory() bool {
	return c.DBPath == "" || strings.EqualFold(c.DBPath, MemoryDB)
}

// Engine builds a rules engine with these settings dealing from src.
func (c Config) Engine(src game.PuzzleSource) *game.Engine {
	e := game.NewEngine(src)
	e.BufferSize = c.PuzzleBuffer
	e.DefaultTargetScore = c.DefaultTargetScore
	e.PuzzleMin = c.PuzzleMin
	e.PuzzleMax = c.PuzzleMax
	return e
}

// ------------------------------- small util --------------------------------

// getEnv returns the value of k or def if unset/empty.
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func envFloat(k string, def float64, errs *[]error) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return f
}

func envBool(k string, def bool, errs *[]error) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return b
}

func envDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

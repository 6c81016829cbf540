// Package config loads process configuration from the environment, with an
// optional local .env file.
package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// StoreKind selects the persistence collaborator backing the ledger and
// order registry.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreMySQL  StoreKind = "mysql"
)

// Config holds the settings the bundled demo server and its persistence
// collaborator need at startup.
type Config struct {
	ListenAddr string
	Store      StoreKind
	DSN        string
}

// Load reads .env (non-fatal if absent) and then the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[INFO] .env not loaded: %v", err)
	}

	cfg := Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8080"),
		Store:      StoreKind(getenv("EXCHANGE_STORE", string(StoreMemory))),
		DSN:        os.Getenv("DB_DSN"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Package config loads process-level configuration from .env files,
// distinct from pkg/credential's narrower per-service key file loading.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local then .env from the working directory
// into the process environment, with .env.local taking precedence
// (godotenv.Load does not overwrite already-set variables, so the file
// loaded first wins). Missing files are not an error.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

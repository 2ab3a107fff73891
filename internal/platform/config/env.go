// Package config loads QUQUER_* environment variables into the typed
// config structs the service entrypoints declare with `env` tags.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target's env-tagged fields from the process environment.
// Flag parsing runs afterwards, so flags win over env values.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

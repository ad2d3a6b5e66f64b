// Package config loads service settings from the process environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables into target.
//
// List fields are split on commas unless the field sets its own envSeparator.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{
		RequiredIfNoDef: false,
	}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

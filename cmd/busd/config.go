package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the external-collaborator surface the broker's core never
// reads directly: it is parsed once at startup and handed in as a built
// bus.Policy (and, in a future activator, a service-start table).
//
// Grounded on igor/config.go's plain-struct-plus-encoding/json shape.
type Config struct {
	// AllowedSenders, if non-empty, is the set of unique or well-known
	// names permitted to send anything at all; an empty list means
	// allow-all, matching internal/bus.AllowAllPolicy's default.
	AllowedSenders []string `json:"allowed_senders"`

	// DeniedDestinations lists well-known names no sender may address,
	// regardless of who the sender is.
	DeniedDestinations []string `json:"denied_destinations"`
}

// LoadConfig reads and parses a JSON policy file. A missing path is not an
// error: busd runs with an allow-all policy when none is given.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	var c Config
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &c, nil
}

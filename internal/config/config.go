// Package config reads runtime configuration from the environment with
// hardcoded defaults.
package config

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	DefaultListenAddr = ":8080"
	DefaultSTUN       = "stun:stun.l.google.com:19302"
	DefaultSignaling  = "ws://localhost:8080/ws"
)

type Config struct {
	// ListenAddr is the relay's bind address.
	ListenAddr string

	// SignalingURL is the endpoint participants dial.
	SignalingURL string

	// ICEServerURLs are handed to the peer connection as STUN/TURN servers.
	ICEServerURLs []string

	// LogLevel is the zerolog level name.
	LogLevel zerolog.Level
}

// Load reads configuration with environment variables taking priority over
// the defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    DefaultListenAddr,
		SignalingURL:  DefaultSignaling,
		ICEServerURLs: []string{DefaultSTUN},
		LogLevel:      zerolog.InfoLevel,
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SIGNALING_URL"); v != "" {
		cfg.SignalingURL = v
	}
	if v := os.Getenv("ICE_SERVERS"); v != "" {
		urls := strings.Split(v, ",")
		cfg.ICEServerURLs = cfg.ICEServerURLs[:0]
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				cfg.ICEServerURLs = append(cfg.ICEServerURLs, u)
			}
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			cfg.LogLevel = lvl
		}
	}

	return cfg
}

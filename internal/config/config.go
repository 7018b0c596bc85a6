// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type HTTPConfig struct {
	Addr     string
	BasePath string
	// PublicURL is the scheme://host prefix clients can dereference.
	// Empty means derive it from each request.
	PublicURL   string
	MaxICSBytes int64
	MaxVCFBytes int64
}

type StorageConfig struct {
	// Type selects the store implementation. Only "memory" is built in.
	Type string
}

type FreeBusyConfig struct {
	// URLTemplate is expanded with the requested email address in place
	// of %s. Empty disables the remote lookup.
	URLTemplate string
	Timeout     time.Duration
}

type AuthConfig struct {
	// Users maps user id to password, parsed from "user:pass,user:pass".
	Users map[string]string
}

type SchedulingConfig struct {
	SenderAddr string
	// SMTPAddr is the host:port of the submission endpoint. Empty disables
	// outbound scheduling mail.
	SMTPAddr string
	SMTPUser string
	SMTPPass string
}

type Config struct {
	HTTP       HTTPConfig
	Storage    StorageConfig
	FreeBusy   FreeBusyConfig
	Auth       AuthConfig
	Scheduling SchedulingConfig
	LogLevel   string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:        getenv("MAILDAV_ADDR", ":8080"),
			BasePath:    strings.TrimRight(getenv("MAILDAV_BASE_PATH", "/dav"), "/"),
			PublicURL:   strings.TrimRight(getenv("MAILDAV_PUBLIC_URL", ""), "/"),
			MaxICSBytes: getenvInt64("MAILDAV_MAX_ICS_BYTES", 10<<20),
			MaxVCFBytes: getenvInt64("MAILDAV_MAX_VCF_BYTES", 1<<20),
		},
		Storage: StorageConfig{
			Type: getenv("MAILDAV_STORAGE", "memory"),
		},
		FreeBusy: FreeBusyConfig{
			URLTemplate: getenv("MAILDAV_FREEBUSY_URL", ""),
			Timeout:     getenvDuration("MAILDAV_FREEBUSY_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			Users: parseUsers(getenv("MAILDAV_USERS", "")),
		},
		Scheduling: SchedulingConfig{
			SenderAddr: getenv("MAILDAV_SENDER_ADDR", ""),
			SMTPAddr:   getenv("MAILDAV_SMTP_ADDR", ""),
			SMTPUser:   getenv("MAILDAV_SMTP_USER", ""),
			SMTPPass:   getenv("MAILDAV_SMTP_PASS", ""),
		},
		LogLevel: getenv("MAILDAV_LOG_LEVEL", "info"),
	}
	if cfg.Storage.Type != "memory" {
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
	return cfg, nil
}

func parseUsers(s string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if user, pass, ok := strings.Cut(pair, ":"); ok {
			users[user] = pass
		}
	}
	return users
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

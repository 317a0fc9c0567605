package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultPresenceTTL   = 5 * time.Minute
	DefaultMembershipTTL = time.Hour
	DefaultTypingTimeout = 10 * time.Second
)

type Config struct {
	ServerAddr     string
	RedisURL       string
	SigningKey     []byte
	AllowedOrigins []string

	// PresenceTTL is the liveness window after which a user with no
	// heartbeat is treated as offline.
	PresenceTTL time.Duration
	// MembershipTTL bounds the lifetime of a room membership record so
	// the store self-heals if a disconnect cleanup is ever missed.
	MembershipTTL time.Duration
	// TypingTimeout is the expiry window for a typing session.
	TypingTimeout time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, redisURL, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		RedisURL:       redisURL,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		PresenceTTL:    DefaultPresenceTTL,
		MembershipTTL:  DefaultMembershipTTL,
		TypingTimeout:  DefaultTypingTimeout,
	}, nil
}

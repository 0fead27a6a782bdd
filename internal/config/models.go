package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Settings is the immutable, validated-once configuration the orchestration
// core depends on. It is built exactly once at startup from environment
// variables and never re-read; nothing downstream holds a pointer that
// could observe a later mutation.
type Settings struct {
	ChatBotToken     string
	ChatAppToken     string
	PubSubURL        string
	ContainerSubID   string
	ContainerGroup   string
	MaxConcurrent    int
	RepoCredential   string // optional
}

const defaultMaxConcurrent = 3

// LoadSettings reads and validates Settings from the environment. It fails
// closed on the first invalid field: callers never receive a partially
// defaulted Settings.
func LoadSettings() (Settings, error) {
	s := Settings{
		ChatBotToken:   os.Getenv("CHAPERONE_CHAT_BOT_TOKEN"),
		ChatAppToken:   os.Getenv("CHAPERONE_CHAT_APP_TOKEN"),
		PubSubURL:      os.Getenv("CHAPERONE_PUBSUB_URL"),
		ContainerSubID: os.Getenv("CHAPERONE_CONTAINER_SUBSCRIPTION_ID"),
		ContainerGroup: os.Getenv("CHAPERONE_CONTAINER_RESOURCE_GROUP"),
		RepoCredential: os.Getenv("CHAPERONE_REPO_CREDENTIAL_TOKEN"),
	}

	if s.ChatBotToken == "" {
		return Settings{}, fmt.Errorf("config: CHAPERONE_CHAT_BOT_TOKEN is required")
	}
	if !strings.Contains(s.ChatBotToken, ":") {
		return Settings{}, fmt.Errorf("config: CHAPERONE_CHAT_BOT_TOKEN has an unexpected format (want id:secret)")
	}
	if s.ChatAppToken == "" {
		return Settings{}, fmt.Errorf("config: CHAPERONE_CHAT_APP_TOKEN is required")
	}
	if !strings.HasPrefix(s.ChatAppToken, "app-") {
		return Settings{}, fmt.Errorf("config: CHAPERONE_CHAT_APP_TOKEN must start with %q", "app-")
	}
	if s.PubSubURL == "" {
		return Settings{}, fmt.Errorf("config: CHAPERONE_PUBSUB_URL is required")
	}
	if s.ContainerSubID == "" {
		return Settings{}, fmt.Errorf("config: CHAPERONE_CONTAINER_SUBSCRIPTION_ID is required")
	}
	if s.ContainerGroup == "" {
		return Settings{}, fmt.Errorf("config: CHAPERONE_CONTAINER_RESOURCE_GROUP is required")
	}

	s.MaxConcurrent = defaultMaxConcurrent
	if raw := os.Getenv("CHAPERONE_MAX_CONCURRENT_TASKS"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("config: CHAPERONE_MAX_CONCURRENT_TASKS must be an integer: %w", err)
		}
		s.MaxConcurrent = v
	}
	if s.MaxConcurrent < 1 {
		return Settings{}, fmt.Errorf("config: CHAPERONE_MAX_CONCURRENT_TASKS must be >= 1, got %d", s.MaxConcurrent)
	}

	return s, nil
}

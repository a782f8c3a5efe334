package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const defaultSystemPrompt = "You are a helpful assistant. Your responsibility is to assist your USER to the best of your ability."

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	TelegramAPIBase      string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	SendsPerSecond       float64

	Commander            string
	ModelProvider        string
	CohereAPIKey         string
	CohereChatURL        string
	OpenAIAPIKey         string
	OpenAIChatCompURL    string
	GeminiAPIKey         string
	Model                string
	SystemPrompt         string
	Temperature          float32
	MaxTokens            int
	RequestTimeout       int
	MessageLimit         int
	WebSearchDefault     bool
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string

	TranscriptBackend string
	HistoryDir        string
	BoltPath          string
	DBPath            string

	AllowedUserIDs []int64
	AllowedChatIDs []int64
}

// Allowlist is the on-disk form of the access lists.
type Allowlist struct {
	UserIDs []int64 `toml:"allowed_user_ids"`
	ChatIDs []int64 `toml:"allowed_chat_ids"`
}

// LoadRelayConfig reads relay configuration from environment variables,
// after loading an optional .env file from the working directory.
func LoadRelayConfig() (RelayConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return RelayConfig{}, fmt.Errorf("load .env: %w", err)
	}

	modelProvider := envOrDefault("RELAY_MODEL_PROVIDER", "cohere")
	commander := envOrDefault("RELAY_COMMANDER", "telegram")

	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if commander == "telegram" && telegramToken == "" {
		return RelayConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when RELAY_COMMANDER=telegram")
	}

	cfg := RelayConfig{
		TelegramAPIBase:      fmt.Sprintf("https://api.telegram.org/bot%s", telegramToken),
		Timeout:              envIntOrDefault("TG_TIMEOUT", 30),
		SleepSeconds:         envIntOrDefault("TG_SLEEP_SECONDS", 1),
		DropPending:          envBoolOrDefault("TG_DROP_PENDING", true),
		PendingWindowSeconds: int64(envIntOrDefault("TG_PENDING_WINDOW_SECONDS", 600)),
		PendingMaxMessages:   envIntOrDefault("TG_PENDING_MAX_MESSAGES", 50),
		SendsPerSecond:       envFloatOrDefault("TG_SEND_PER_SECOND", 20),
		Commander:            commander,
		ModelProvider:        modelProvider,
		CohereAPIKey:         os.Getenv("COHERE_API_KEY"),
		CohereChatURL:        envOrDefault("COHERE_CHAT_URL", "https://api.cohere.ai/v1/chat"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIChatCompURL:    envOrDefault("OPENAI_CHAT_COMPLETIONS_URL", "https://api.openai.com/v1/chat/completions"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		Model:                envOrDefault("RELAY_MODEL", defaultModel(modelProvider)),
		SystemPrompt:         envOrDefault("RELAY_SYSTEM_PROMPT", defaultSystemPrompt),
		Temperature:          float32(envFloatOrDefault("RELAY_TEMPERATURE", 0.5)),
		MaxTokens:            envIntOrDefault("RELAY_MAX_TOKENS", 2024),
		RequestTimeout:       envIntOrDefault("RELAY_REQUEST_TIMEOUT_SECONDS", 120),
		MessageLimit:         envIntOrDefault("RELAY_MESSAGE_LIMIT", 4096),
		WebSearchDefault:     envBoolOrDefault("RELAY_WEB_SEARCH_DEFAULT", true),
		DummyProviderScript:  envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", "ok"),
		DummyCommanderScript: envOrDefault("RELAY_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      envOrDefault("RELAY_DUMMY_COMMANDER_SEND_SCRIPT", "ok"),
		TranscriptBackend:    envOrDefault("RELAY_TRANSCRIPT_BACKEND", "file"),
		HistoryDir:           envOrDefault("RELAY_HISTORY_DIR", "."),
		BoltPath:             envOrDefault("RELAY_BOLT_PATH", "/state/history.bolt"),
		DBPath:               envOrDefault("RELAY_DB_PATH", "/state/relay.db"),
	}

	switch modelProvider {
	case "cohere":
		if cfg.CohereAPIKey == "" {
			return RelayConfig{}, fmt.Errorf("COHERE_API_KEY is required in environment when RELAY_MODEL_PROVIDER=cohere")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return RelayConfig{}, fmt.Errorf("OPENAI_API_KEY is required in environment when RELAY_MODEL_PROVIDER=openai")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return RelayConfig{}, fmt.Errorf("GEMINI_API_KEY is required in environment when RELAY_MODEL_PROVIDER=gemini")
		}
	}

	switch cfg.TranscriptBackend {
	case "file", "bolt":
	default:
		return RelayConfig{}, fmt.Errorf("RELAY_TRANSCRIPT_BACKEND must be file or bolt, got %q", cfg.TranscriptBackend)
	}
	if cfg.MessageLimit <= 0 {
		return RelayConfig{}, fmt.Errorf("RELAY_MESSAGE_LIMIT must be positive, got %d", cfg.MessageLimit)
	}

	users, err := parseIDList(os.Getenv("RELAY_ALLOWED_USER_IDS"))
	if err != nil {
		return RelayConfig{}, fmt.Errorf("RELAY_ALLOWED_USER_IDS: %w", err)
	}
	chats, err := parseIDList(os.Getenv("RELAY_ALLOWED_CHAT_IDS"))
	if err != nil {
		return RelayConfig{}, fmt.Errorf("RELAY_ALLOWED_CHAT_IDS: %w", err)
	}
	if path := os.Getenv("RELAY_ALLOWLIST_FILE"); path != "" {
		list, err := LoadAllowlist(path)
		if err != nil {
			return RelayConfig{}, err
		}
		users = append(users, list.UserIDs...)
		chats = append(chats, list.ChatIDs...)
	}
	cfg.AllowedUserIDs = dedupIDs(users)
	cfg.AllowedChatIDs = dedupIDs(chats)
	return cfg, nil
}

// LoadAllowlist reads access lists from a TOML file.
func LoadAllowlist(path string) (Allowlist, error) {
	var list Allowlist
	md, err := toml.DecodeFile(path, &list)
	if err != nil {
		return Allowlist{}, fmt.Errorf("read allowlist %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Allowlist{}, fmt.Errorf("read allowlist %s: unknown key %q", path, undecoded[0].String())
	}
	return list, nil
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "command-r-plus"
	}
}

func parseIDList(v string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func dedupIDs(ids []int64) []int64 {
	seen := map[int64]bool{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

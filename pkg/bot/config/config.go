package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type BudgetPeriod string

const (
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
)

type Config struct {
	TelegramToken string

	OpenAIKey     string
	OpenAIBaseURL string
	Model         string
	SystemPrompt  string

	// Empty AllowedUserIDs with AllowAll=false means nobody gets in.
	AllowAll       bool
	AllowedUserIDs []int64
	AdminUserIDs   []int64

	// UserBudgets is parallel to AllowedUserIDs; when shorter, the last
	// value applies to the remaining users. GuestBudget covers everyone else.
	UserBudgets  []float64
	GuestBudget  float64
	BudgetPeriod BudgetPeriod

	// Price table. Costs are derived, never stored.
	TokenPricePer1K          float64
	TranscriptionPricePerMin float64
	TTSPricePer1KChars       float64
	ImagePrice               float64

	TTSVoices          []string
	VoiceReplyPrefixes []string
	PreviewText        string

	BotLanguage string

	MaxMessageChars int

	EventTimeout        time.Duration
	PollTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	SessionTTL        time.Duration
	SessionMaxEntries int

	HistoryMaxMessages int

	TempDir      string
	LedgerDBPath string
	MetricsAddr  string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		TelegramToken:            strings.TrimSpace(os.Getenv("VOXGATE_TELEGRAM_TOKEN")),
		OpenAIKey:                strings.TrimSpace(os.Getenv("VOXGATE_OPENAI_API_KEY")),
		OpenAIBaseURL:            envOr("VOXGATE_OPENAI_BASE_URL", ""),
		Model:                    envOr("VOXGATE_MODEL", "gpt-4o-mini"),
		SystemPrompt:             envOr("VOXGATE_SYSTEM_PROMPT", "You are a helpful assistant."),
		GuestBudget:              envFloat64Or("VOXGATE_GUEST_BUDGET", 0),
		BudgetPeriod:             BudgetPeriod(envOr("VOXGATE_BUDGET_PERIOD", string(BudgetPeriodMonthly))),
		TokenPricePer1K:          envFloat64Or("VOXGATE_TOKEN_PRICE_PER_1K", 0.002),
		TranscriptionPricePerMin: envFloat64Or("VOXGATE_TRANSCRIPTION_PRICE_PER_MIN", 0.006),
		TTSPricePer1KChars:       envFloat64Or("VOXGATE_TTS_PRICE_PER_1K_CHARS", 0.015),
		ImagePrice:               envFloat64Or("VOXGATE_IMAGE_PRICE", 0.04),
		PreviewText:              envOr("VOXGATE_PREVIEW_TEXT", "I'm happy to meet you, and I'm excited to have the chance to get to know you better!"),
		BotLanguage:              envOr("VOXGATE_BOT_LANGUAGE", "en"),
		MaxMessageChars:          envIntOr("VOXGATE_MAX_MESSAGE_CHARS", 4096),
		EventTimeout:             envDurationOr("VOXGATE_EVENT_TIMEOUT", 2*time.Minute),
		PollTimeout:              envDurationOr("VOXGATE_POLL_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:      envDurationOr("VOXGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		SessionTTL:               envDurationOr("VOXGATE_SESSION_TTL", 12*time.Hour),
		SessionMaxEntries:        envIntOr("VOXGATE_SESSION_MAX_ENTRIES", 10_000),
		HistoryMaxMessages:       envIntOr("VOXGATE_HISTORY_MAX_MESSAGES", 40),
		TempDir:                  envOr("VOXGATE_TEMP_DIR", os.TempDir()),
		LedgerDBPath:             envOr("VOXGATE_LEDGER_DB", ""),
		MetricsAddr:              envOr("VOXGATE_METRICS_ADDR", ""),
	}

	rawAllowed := strings.TrimSpace(os.Getenv("VOXGATE_ALLOWED_USER_IDS"))
	if rawAllowed == "*" {
		cfg.AllowAll = true
	} else {
		ids, err := parseIDList(rawAllowed)
		if err != nil {
			return Config{}, fmt.Errorf("VOXGATE_ALLOWED_USER_IDS: %w", err)
		}
		cfg.AllowedUserIDs = ids
	}

	admins, err := parseIDList(os.Getenv("VOXGATE_ADMIN_USER_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("VOXGATE_ADMIN_USER_IDS: %w", err)
	}
	cfg.AdminUserIDs = admins

	for _, raw := range splitCSV(os.Getenv("VOXGATE_USER_BUDGETS")) {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("VOXGATE_USER_BUDGETS entry %q: %w", raw, err)
		}
		cfg.UserBudgets = append(cfg.UserBudgets, v)
	}

	cfg.TTSVoices = splitCSV(envOr("VOXGATE_TTS_VOICES", "alloy,echo,fable,onyx,nova,shimmer"))
	cfg.VoiceReplyPrefixes = splitCSV(os.Getenv("VOXGATE_VOICE_REPLY_PREFIXES"))

	if cfg.TelegramToken == "" {
		return Config{}, fmt.Errorf("VOXGATE_TELEGRAM_TOKEN must be set")
	}
	if cfg.OpenAIKey == "" {
		return Config{}, fmt.Errorf("VOXGATE_OPENAI_API_KEY must be set")
	}
	switch cfg.BudgetPeriod {
	case BudgetPeriodDaily, BudgetPeriodMonthly:
	default:
		return Config{}, fmt.Errorf("VOXGATE_BUDGET_PERIOD must be one of daily|monthly")
	}
	if len(cfg.TTSVoices) == 0 {
		return Config{}, fmt.Errorf("VOXGATE_TTS_VOICES must not be empty")
	}
	if cfg.MaxMessageChars <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_MAX_MESSAGE_CHARS must be > 0")
	}
	if cfg.EventTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_EVENT_TIMEOUT must be > 0")
	}
	if cfg.PollTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_POLL_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SESSION_TTL must be > 0")
	}
	if cfg.SessionMaxEntries <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SESSION_MAX_ENTRIES must be > 0")
	}
	if cfg.HistoryMaxMessages <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_HISTORY_MAX_MESSAGES must be > 0")
	}
	for _, b := range cfg.UserBudgets {
		if b < 0 {
			return Config{}, fmt.Errorf("VOXGATE_USER_BUDGETS entries must be >= 0")
		}
	}
	if cfg.GuestBudget < 0 {
		return Config{}, fmt.Errorf("VOXGATE_GUEST_BUDGET must be >= 0")
	}

	return cfg, nil
}

// DefaultVoice is the first configured voice; the menu starts there.
func (c Config) DefaultVoice() string {
	if len(c.TTSVoices) == 0 {
		return ""
	}
	return c.TTSVoices[0]
}

// BudgetFor returns the configured ceiling for user, or 0 when none applies
// (0 means "no ceiling"; budget math treats it as +Inf).
func (c Config) BudgetFor(userID int64) float64 {
	for i, id := range c.AllowedUserIDs {
		if id != userID {
			continue
		}
		if len(c.UserBudgets) == 0 {
			return 0
		}
		if i < len(c.UserBudgets) {
			return c.UserBudgets[i]
		}
		return c.UserBudgets[len(c.UserBudgets)-1]
	}
	return c.GuestBudget
}

func (c Config) IsAllowed(userID int64) bool {
	if c.AllowAll {
		return true
	}
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func parseIDList(raw string) ([]int64, error) {
	var out []int64
	for _, s := range splitCSV(raw) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
}

// OAuthApp holds the credentials registered with one platform.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Defaults is the posting policy used when a client has no override.
type Defaults struct {
	PostsPerWeek           int
	CooldownDays           int
	MaxPostsPerMonth       int
	ApprovalMode           string
	ApprovalThreshold      float64
	OnApprovalTimeout      string
	ApprovalTimeoutMinutes int
	MonthlyWindow          string
}

type Dispatch struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PublishTimeout time.Duration
	WaitingRecheck time.Duration
	Concurrency    int
}

type Schedules struct {
	Sweep        string
	Dispatch     string
	TokenRefresh string
	Generation   string
}

type Config struct {
	Port        string
	PostgresURI string
	RedisURI    string
	FrontendURL string
	PublicURL   string
	SecretKey   string
	CookieName  string
	Timezone    string
	DryRun      bool
	LockBackend string

	Facebook  OAuthApp
	Instagram OAuthApp
	LinkedIn  OAuthApp
	X         OAuthApp
	Tiktok    OAuthApp
	Google    OAuthApp

	R2 R2

	Defaults        Defaults
	Dispatch        Dispatch
	Schedules       Schedules
	DailySlots      []string
	GenerateTimeout time.Duration
	TemplatesPath   string
	CrawlTimeout    time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Port:        getEnv("PORT", "3000"),
		PostgresURI: getEnv("POSTGRES_URI", ""),
		RedisURI:    getEnv("REDIS_URI", "localhost:6379"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),
		PublicURL:   getEnv("PUBLIC_URL", "http://localhost:3000"),
		SecretKey:   getEnv("SECRET_KEY", ""),
		CookieName:  getEnv("COOKIE_NAME", "brandflow_session"),
		Timezone:    getEnv("TIMEZONE", "UTC"),
		DryRun:      getEnvBool("DRY_RUN", true),
		LockBackend: getEnv("LOCK_BACKEND", "memory"),
		Facebook:    loadOAuthApp("FACEBOOK"),
		Instagram:   loadOAuthApp("INSTAGRAM"),
		LinkedIn:    loadOAuthApp("LINKEDIN"),
		X:           loadOAuthApp("X"),
		Tiktok:      loadOAuthApp("TIKTOK"),
		Google:      loadOAuthApp("GOOGLE"),
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
			PublicURL:  getEnv("R2_PUBLIC_URL", ""),
		},
		Defaults: Defaults{
			PostsPerWeek:           getEnvInt("DEFAULT_POSTS_PER_WEEK", 3),
			CooldownDays:           getEnvInt("DEFAULT_COOLDOWN_DAYS", 14),
			MaxPostsPerMonth:       getEnvInt("DEFAULT_MAX_POSTS_PER_MONTH", 2),
			ApprovalMode:           getEnv("DEFAULT_APPROVAL_MODE", "always"),
			ApprovalThreshold:      getEnvFloat("DEFAULT_APPROVAL_THRESHOLD", 0.8),
			OnApprovalTimeout:      getEnv("DEFAULT_ON_APPROVAL_TIMEOUT", "auto_reject"),
			ApprovalTimeoutMinutes: getEnvInt("APPROVAL_TIMEOUT_MINUTES", 1440),
			MonthlyWindow:          getEnv("MONTHLY_CAP_WINDOW", "calendar"),
		},
		Dispatch: Dispatch{
			MaxAttempts:    getEnvInt("DISPATCH_MAX_ATTEMPTS", 5),
			BackoffBase:    getEnvDuration("DISPATCH_BACKOFF_BASE", time.Minute),
			BackoffMax:     getEnvDuration("DISPATCH_BACKOFF_MAX", 2*time.Hour),
			PublishTimeout: getEnvDuration("PUBLISH_TIMEOUT", 30*time.Second),
			WaitingRecheck: getEnvDuration("WAITING_RECHECK", 15*time.Minute),
			Concurrency:    getEnvInt("DISPATCH_CONCURRENCY", 10),
		},
		Schedules: Schedules{
			Sweep:        getEnv("SWEEP_SCHEDULE", "@every 1m"),
			Dispatch:     getEnv("DISPATCH_SCHEDULE", "@every 1m"),
			TokenRefresh: getEnv("TOKEN_REFRESH_SCHEDULE", "@every 10m"),
			Generation:   getEnv("GENERATION_SCHEDULE", ""),
		},
		DailySlots:      getEnvList("DAILY_SLOTS", []string{"09:00", "13:00", "17:30"}),
		GenerateTimeout: getEnvDuration("GENERATE_TIMEOUT", 60*time.Second),
		TemplatesPath:   getEnv("TEMPLATES_PATH", ""),
		CrawlTimeout:    getEnvDuration("CRAWL_TIMEOUT", 20*time.Second),
	}
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("unknown timezone, using UTC", "timezone", c.Timezone)
		return time.UTC
	}
	return loc
}

func loadOAuthApp(prefix string) OAuthApp {
	return OAuthApp{
		ClientID:     getEnv(prefix+"_CLIENT_ID", ""),
		ClientSecret: getEnv(prefix+"_CLIENT_SECRET", ""),
		RedirectURI:  getEnv(prefix+"_REDIRECT_URI", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	LLMProvider     string
	GeminiAPIKey    string
	DefaultLLMModel string
	LLMTimeout      time.Duration

	SearchAPIURL      string
	SearchAPIKey      string
	SearchTimeout     time.Duration
	SearchResultLimit int
	DiscoverySource   string

	RenderTimeout        time.Duration
	MaxConcurrentRenders int
	QualityThreshold     int
	CaptureEvidence      bool

	PrescreenBlocklistFile string

	WorkerConcurrency int
	TaskMaxRetries    int
	TierRetries       int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load reads configuration from the environment once at startup. Services
// receive their settings at construction time and never re-read them.
func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8082"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       getenv("DATA_DIR", "./data"),

		SupabaseURL:        os.Getenv("NEXT_PUBLIC_SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getenv("SUPABASE_STORAGE_BUCKET", "evidence"),

		LLMProvider:     getenv("LLM_PROVIDER", "gemini"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		DefaultLLMModel: getenv("DEFAULT_LLM_MODEL", "gemini-1.5-flash"),
		LLMTimeout:      getenvDuration("LLM_TIMEOUT", 15*time.Second),

		SearchAPIURL:      getenv("SEARCH_API_URL", "https://google.serper.dev/search"),
		SearchAPIKey:      os.Getenv("SEARCH_API_KEY"),
		SearchTimeout:     getenvDuration("SEARCH_TIMEOUT", 10*time.Second),
		SearchResultLimit: getenvInt("SEARCH_RESULT_LIMIT", 10),
		DiscoverySource:   getenv("DISCOVERY_SOURCE", "web_search"),

		RenderTimeout:        getenvDuration("RENDER_TIMEOUT", 30*time.Second),
		MaxConcurrentRenders: getenvInt("MAX_CONCURRENT_RENDERS", 8),
		QualityThreshold:     getenvInt("QUALITY_THRESHOLD", 50),
		CaptureEvidence:      getenvBool("CAPTURE_EVIDENCE", false),

		PrescreenBlocklistFile: os.Getenv("PRESCREEN_BLOCKLIST_FILE"),

		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 10),
		TaskMaxRetries:    getenvInt("TASK_MAX_RETRIES", 3),
		TierRetries:       getenvInt("TIER_RETRIES", 2),
	}
	return cfg
}

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Collection cycle defaults
const (
	DefaultCollectionInterval  = 30 * time.Minute
	DefaultActiveHourStart     = 8
	DefaultActiveHourEnd       = 23
	DefaultMaxMessagesPerCycle = 300
	DefaultMinMessagesPerCycle = 10
	DefaultTopicsPerBatch      = 3
	DefaultQuotesPerBatch      = 2
)

// Report cycle defaults
const (
	DefaultReportSpan          = 24 * time.Hour
	DefaultReportTime          = "22:00"
	DefaultRetentionMultiplier = 2
)

// Scheduling defaults
const (
	DefaultStaggerDelay  = 30 * time.Second
	DefaultMaxConcurrent = 3
	DefaultLaneTimeout   = 10 * time.Minute
	SchedulerTick        = time.Minute
)

// Server defaults
const (
	DefaultPort        = "8085"
	DefaultDataDir     = "./data/digestd"
	DefaultMaxMemoryMB = 48
)

// Config is the full runtime configuration, loaded from environment
// variables with the defaults above.
type Config struct {
	// Collection lane
	CollectionInterval  time.Duration
	ActiveHourStart     int // inclusive, 0-23
	ActiveHourEnd       int // exclusive, 0-24
	MaxMessagesPerCycle int
	MinMessagesPerCycle int
	TopicsPerBatch      int
	QuotesPerBatch      int

	// Report lane
	ReportSpan          time.Duration
	ReportTimes         []string // "HH:MM", local time
	RetentionMultiplier int

	// Scheduling
	StaggerDelay  time.Duration
	MaxConcurrent int
	LaneTimeout   time.Duration

	// Subjects to drive, comma separated in DIGESTD_SUBJECTS
	Subjects []string

	// Infrastructure
	Port        string
	DataDir     string
	MaxMemoryMB int64

	// Extraction capability
	OpenAIKey   string
	OpenAIModel string
}

// Load reads configuration from environment variables.
func Load() Config {
	cfg := Config{
		CollectionInterval:  getEnvDuration("DIGESTD_COLLECTION_INTERVAL", DefaultCollectionInterval),
		ActiveHourStart:     getEnvInt("DIGESTD_ACTIVE_HOUR_START", DefaultActiveHourStart),
		ActiveHourEnd:       getEnvInt("DIGESTD_ACTIVE_HOUR_END", DefaultActiveHourEnd),
		MaxMessagesPerCycle: getEnvInt("DIGESTD_MAX_MESSAGES", DefaultMaxMessagesPerCycle),
		MinMessagesPerCycle: getEnvInt("DIGESTD_MIN_MESSAGES", DefaultMinMessagesPerCycle),
		TopicsPerBatch:      getEnvInt("DIGESTD_TOPICS_PER_BATCH", DefaultTopicsPerBatch),
		QuotesPerBatch:      getEnvInt("DIGESTD_QUOTES_PER_BATCH", DefaultQuotesPerBatch),
		ReportSpan:          getEnvDuration("DIGESTD_REPORT_SPAN", DefaultReportSpan),
		ReportTimes:         getEnvList("DIGESTD_REPORT_TIMES", []string{DefaultReportTime}),
		RetentionMultiplier: getEnvInt("DIGESTD_RETENTION_MULTIPLIER", DefaultRetentionMultiplier),
		StaggerDelay:        getEnvDuration("DIGESTD_STAGGER_DELAY", DefaultStaggerDelay),
		MaxConcurrent:       getEnvInt("DIGESTD_MAX_CONCURRENT", DefaultMaxConcurrent),
		LaneTimeout:         getEnvDuration("DIGESTD_LANE_TIMEOUT", DefaultLaneTimeout),
		Subjects:            getEnvList("DIGESTD_SUBJECTS", nil),
		Port:                getEnv("DIGESTD_PORT", DefaultPort),
		DataDir:             getEnv("DIGESTD_DATA_DIR", DefaultDataDir),
		MaxMemoryMB:         int64(getEnvInt("DIGESTD_MAX_MEMORY_MB", DefaultMaxMemoryMB)),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         os.Getenv("DIGESTD_OPENAI_MODEL"),
	}

	// Cleanup must never delete a batch a future report window could
	// still request, so the retention horizon stays at 2x span or more
	if cfg.RetentionMultiplier < 2 {
		log.Printf("Retention multiplier %d below safe minimum, using 2", cfg.RetentionMultiplier)
		cfg.RetentionMultiplier = 2
	}

	return cfg
}

// RetentionHorizon is how far back cleanup may delete, relative to now.
func (c Config) RetentionHorizon() time.Duration {
	return c.ReportSpan * time.Duration(c.RetentionMultiplier)
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

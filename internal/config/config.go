package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server        Server        `mapstructure:"server"`
	Source        Source        `mapstructure:"source"`
	History       History       `mapstructure:"history"`
	Scraper       Scraper       `mapstructure:"scraper"`
	LLM           LLM           `mapstructure:"llm"`
	Ranker        Ranker        `mapstructure:"ranker"`
	Calendar      Calendar      `mapstructure:"calendar"`
	Cache         Cache         `mapstructure:"cache"`
	Elasticsearch Elasticsearch `mapstructure:"elasticsearch"`
	Storage       Storage       `mapstructure:"storage"`
	Schedule      Schedule      `mapstructure:"schedule"`
	MCP           MCP           `mapstructure:"mcp"`
}

// Server holds HTTP endpoint configuration.
type Server struct {
	Listen          string        `mapstructure:"listen"`
	Invitee         string        `mapstructure:"invitee"` // default recipient of the invites
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Source identifies the events calendar page to scrape.
type Source struct {
	BaseURL string `mapstructure:"base_url"`
	Year    int    `mapstructure:"year"`  // 0 means the current year
	Month   int    `mapstructure:"month"` // 0 means the current month
}

// History holds the user's exported calendar settings.
type History struct {
	ICSPath        string `mapstructure:"ics_path"`
	After          string `mapstructure:"after"`      // YYYY-MM-DD
	Recurrence     string `mapstructure:"recurrence"` // once, duplicate or expand
	Copies         int    `mapstructure:"copies"`
	MaxOccurrences int    `mapstructure:"max_occurrences"`
}

// Scraper holds web scraping configuration.
type Scraper struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// LLM holds the classification service configuration.
type LLM struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	SocketPath string        `mapstructure:"socket_path"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Ranker holds preference ranking limits.
type Ranker struct {
	Quotas      []int `mapstructure:"quotas"`
	ScanLimit   int   `mapstructure:"scan_limit"`
	Concurrency int   `mapstructure:"concurrency"`
}

// Calendar holds Google Calendar configuration.
type Calendar struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	TokenFile       string `mapstructure:"token_file"`
	CalendarID      string `mapstructure:"calendar_id"`
	TimeZone        string `mapstructure:"time_zone"`
}

// Cache holds tag cache configuration.
type Cache struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Elasticsearch holds the tagged-event archive configuration.
type Elasticsearch struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// Storage holds S3/MinIO snapshot configuration.
type Storage struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// Schedule holds the optional periodic run of the pipeline in serve mode.
type Schedule struct {
	Cron string `mapstructure:"cron"` // empty disables scheduled runs
}

// MCP holds MCP server configuration.
type MCP struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: Server{
			Listen:          ":5000",
			PipelineTimeout: 5 * time.Minute,
			MaxBodyBytes:    1 << 20,
		},
		Source: Source{
			BaseURL: "https://calendar.mit.edu/calendar/month",
		},
		History: History{
			ICSPath:        "calendar.ics",
			After:          "2023-06-01",
			Recurrence:     "once",
			Copies:         1,
			MaxOccurrences: 500,
		},
		Scraper: Scraper{
			Timeout:      30 * time.Second,
			UserAgent:    "campuscal/1.0",
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		},
		LLM: LLM{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-3.5-turbo",
			Timeout:    60 * time.Second,
			MaxRetries: 2,
		},
		Ranker: Ranker{
			Quotas:      []int{3, 2, 1},
			ScanLimit:   101,
			Concurrency: 4,
		},
		Calendar: Calendar{
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
			CalendarID:      "primary",
			TimeZone:        "America/New_York",
		},
		Cache: Cache{
			Enabled: false, // Requires a running Redis
			Addr:    "localhost:6379",
			Prefix:  "campuscal:tag:",
			TTL:     30 * 24 * time.Hour,
		},
		Elasticsearch: Elasticsearch{
			Enabled:   false,
			Addresses: []string{"http://localhost:9200"},
			Index:     "campuscal-events",
		},
		Storage: Storage{
			Enabled:         false,
			Endpoint:        "localhost:9002",
			Bucket:          "campuscal",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			UseSSL:          false,
		},
		MCP: MCP{
			Name:    "campuscal",
			Version: "1.0.0",
		},
	}
}

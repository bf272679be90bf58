package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mfenderov/campuscal/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	cfg     config.Config
)

// GetConfig returns the loaded configuration.
func GetConfig() config.Config {
	return cfg
}

var rootCmd = &cobra.Command{
	Use:   "campuscal",
	Short: "campuscal: campus event recommendations for your calendar",
	Long: `campuscal reads your exported calendar, learns which topics you attend,
scrapes upcoming events from the campus events calendar and books the best
matches onto your Google Calendar with an email invite.

Commands:
  serve      Start the HTTP endpoint (and optional scheduled runs)
  recommend  Run the pipeline once from the command line
  scrape     List upcoming events from the events calendar
  auth       Authorize access to Google Calendar
  search     Search archived events
  mcp        Start the MCP server`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

func initLogger() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// envKeys are bound explicitly so nested keys resolve without a config file.
var envKeys = []string{
	"server.listen",
	"server.invitee",
	"server.pipeline_timeout",
	"source.base_url",
	"source.year",
	"source.month",
	"history.ics_path",
	"history.after",
	"history.recurrence",
	"history.copies",
	"scraper.timeout",
	"scraper.max_retries",
	"llm.base_url",
	"llm.api_key",
	"llm.socket_path",
	"llm.model",
	"calendar.credentials_file",
	"calendar.token_file",
	"calendar.calendar_id",
	"calendar.time_zone",
	"cache.enabled",
	"cache.addr",
	"cache.password",
	"elasticsearch.enabled",
	"elasticsearch.index",
	"elasticsearch.username",
	"elasticsearch.password",
	"storage.enabled",
	"storage.endpoint",
	"storage.bucket",
	"storage.access_key_id",
	"storage.secret_access_key",
	"schedule.cron",
}

func initConfig() {
	// Start with defaults
	cfg = config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/campuscal")
		viper.AddConfigPath(".")
	}

	// CAMPUSCAL_LLM_API_KEY -> llm.api_key
	viper.SetEnvPrefix("CAMPUSCAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range envKeys {
		viper.BindEnv(key, "CAMPUSCAL_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("config file error", "error", err)
		}
		// No config file - use defaults + env vars
	}

	// Unmarshal into struct (merges config file with defaults)
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Warn("failed to parse config", "error", err)
	}

	// Comma-separated lists from env
	if addrs := os.Getenv("CAMPUSCAL_ELASTICSEARCH_ADDRESSES"); addrs != "" {
		cfg.Elasticsearch.Addresses = strings.Split(addrs, ",")
	}
	if origins := os.Getenv("CAMPUSCAL_SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}
}

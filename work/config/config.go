package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"hls-liberator/work/logger"
)

// DefaultConfigPath is where an optional JSON settings file is looked up.
const DefaultConfigPath = "/settings/config.json"

// Config holds all application configuration values for the HLS liberating proxy.
// Values are resolved from defaults, an optional JSON file and the environment,
// in that order.
type Config struct {
	Port                  int           `json:"port"`                  // Listen port
	BaseURL               string        `json:"baseURL"`               // Public base URL; empty means derive from the request
	CacheTTL              time.Duration `json:"cacheTTL"`              // Lifetime of an extracted manifest URL
	RefreshInterval       time.Duration `json:"refreshInterval"`       // Background sweep interval, always < CacheTTL
	FailureBackoff        time.Duration `json:"failureBackoff"`        // Suppress re-extraction after a failure for this long
	ChannelsFile          string        `json:"channelsFile"`          // Flat channel list (display_name:identifier)
	OriginPageTemplate    string        `json:"originPageTemplate"`    // Origin page URL, {channel} is replaced by the identifier
	OriginReferer         string        `json:"originReferer"`         // Referer sent to the origin
	UserAgent             string        `json:"userAgent"`             // Browser-like User-Agent sent upstream
	ConnectTimeout        time.Duration `json:"connectTimeout"`        // Dial timeout for every outbound connection
	ExtractTimeout        time.Duration `json:"extractTimeout"`        // Total timeout for an origin page fetch
	ManifestTimeout       time.Duration `json:"manifestTimeout"`       // Total timeout for a manifest fetch
	SegmentTimeout        time.Duration `json:"segmentTimeout"`        // Total timeout for a relayed segment
	OriginRateLimit       int           `json:"originRateLimit"`       // Origin page requests per second
	WorkerThreads         int           `json:"workerThreads"`         // Sweep worker pool size
	MaxConnectionsToApp   int           `json:"maxConnectionsToApp"`   // Concurrent segment relays allowed
	ManifestCacheDuration time.Duration `json:"manifestCacheDuration"` // Rewritten manifest micro-cache, 0 disables
	PlaylistCacheDuration time.Duration `json:"playlistCacheDuration"` // Generated M3U cache lifetime
	EPGURL                string        `json:"epgURL"`                // Optional x-tvg-url for the generated M3U
	GroupTitle            string        `json:"groupTitle"`            // group-title attribute in the generated M3U
	LogLevel              string        `json:"logLevel"`              // DEBUG, INFO, WARN, ERROR
	Debug                 bool          `json:"debug"`                 // Forces DEBUG log level
	ObfuscateUrls         bool          `json:"obfuscateUrls"`         // Obfuscate URLs in logs
	EnableGzip            bool          `json:"enableGzip"`            // Gzip text responses
}

// ConfigFile represents the JSON file structure. Durations are strings such as "5m".
type ConfigFile struct {
	Port                  int    `json:"port"`
	BaseURL               string `json:"baseURL"`
	CacheTTL              string `json:"cacheTTL"`
	RefreshInterval       string `json:"refreshInterval"`
	FailureBackoff        string `json:"failureBackoff"`
	ChannelsFile          string `json:"channelsFile"`
	OriginPageTemplate    string `json:"originPageTemplate"`
	OriginReferer         string `json:"originReferer"`
	UserAgent             string `json:"userAgent"`
	ConnectTimeout        string `json:"connectTimeout"`
	ExtractTimeout        string `json:"extractTimeout"`
	ManifestTimeout       string `json:"manifestTimeout"`
	SegmentTimeout        string `json:"segmentTimeout"`
	OriginRateLimit       int    `json:"originRateLimit"`
	WorkerThreads         int    `json:"workerThreads"`
	MaxConnectionsToApp   int    `json:"maxConnectionsToApp"`
	ManifestCacheDuration string `json:"manifestCacheDuration"`
	PlaylistCacheDuration string `json:"playlistCacheDuration"`
	EPGURL                string `json:"epgURL"`
	GroupTitle            string `json:"groupTitle"`
	LogLevel              string `json:"logLevel"`
	Debug                 bool   `json:"debug"`
	ObfuscateUrls         bool   `json:"obfuscateUrls"`
	EnableGzip            *bool  `json:"enableGzip"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the process configuration, loading it once.
//
// Process:
//   - loads a .env file into the environment when one exists
//   - reads CONFIG_FILE (default /settings/config.json) when present
//   - applies environment overrides and validates
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug("{config - LoadConfig} No .env file loaded: %v", err)
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = DefaultConfigPath
	}

	cfg, err := Load(path)
	if err != nil {
		logger.Warn("{config - LoadConfig} %v, falling back to defaults", err)
		cfg = getDefaultConfig()
		applyEnv(cfg)
		validateAndSetDefaults(cfg)
	}

	configCache = cfg
	return cfg
}

// Load builds a configuration from defaults, the JSON file at path (skipped when it
// does not exist) and the environment.
func Load(path string) (*Config, error) {
	cfg := getDefaultConfig()

	if path != "" {
		fileCfg, err := loadFromFile(path)
		switch {
		case err == nil:
			mergeFile(cfg, fileCfg)
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug("{config - Load} Config file %s not found, using defaults", path)
		default:
			return nil, err
		}
	}

	applyEnv(cfg)
	validateAndSetDefaults(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return &cf, nil
}

// mergeFile copies every set file value over the defaults. Unparseable durations are
// logged and ignored.
func mergeFile(cfg *Config, cf *ConfigFile) {
	if cf.Port > 0 {
		cfg.Port = cf.Port
	}
	setString(&cfg.BaseURL, cf.BaseURL)
	setString(&cfg.ChannelsFile, cf.ChannelsFile)
	setString(&cfg.OriginPageTemplate, cf.OriginPageTemplate)
	setString(&cfg.OriginReferer, cf.OriginReferer)
	setString(&cfg.UserAgent, cf.UserAgent)
	setString(&cfg.EPGURL, cf.EPGURL)
	setString(&cfg.GroupTitle, cf.GroupTitle)
	setString(&cfg.LogLevel, cf.LogLevel)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cacheTTL", cf.CacheTTL, &cfg.CacheTTL},
		{"refreshInterval", cf.RefreshInterval, &cfg.RefreshInterval},
		{"failureBackoff", cf.FailureBackoff, &cfg.FailureBackoff},
		{"connectTimeout", cf.ConnectTimeout, &cfg.ConnectTimeout},
		{"extractTimeout", cf.ExtractTimeout, &cfg.ExtractTimeout},
		{"manifestTimeout", cf.ManifestTimeout, &cfg.ManifestTimeout},
		{"segmentTimeout", cf.SegmentTimeout, &cfg.SegmentTimeout},
		{"manifestCacheDuration", cf.ManifestCacheDuration, &cfg.ManifestCacheDuration},
		{"playlistCacheDuration", cf.PlaylistCacheDuration, &cfg.PlaylistCacheDuration},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			logger.Warn("{config - mergeFile} invalid %s %q: %v", d.name, d.raw, err)
			continue
		}
		*d.dst = parsed
	}

	if cf.OriginRateLimit > 0 {
		cfg.OriginRateLimit = cf.OriginRateLimit
	}
	if cf.WorkerThreads > 0 {
		cfg.WorkerThreads = cf.WorkerThreads
	}
	if cf.MaxConnectionsToApp > 0 {
		cfg.MaxConnectionsToApp = cf.MaxConnectionsToApp
	}
	cfg.Debug = cf.Debug
	cfg.ObfuscateUrls = cf.ObfuscateUrls
	if cf.EnableGzip != nil {
		cfg.EnableGzip = *cf.EnableGzip
	}
}

// applyEnv overrides values from the environment.
func applyEnv(cfg *Config) {
	envInt("PORT", &cfg.Port)
	envString("BASE_URL", &cfg.BaseURL)
	envSeconds("CACHE_TTL_SECONDS", &cfg.CacheTTL)
	envSeconds("REFRESH_INTERVAL_SECONDS", &cfg.RefreshInterval)
	envSeconds("EXTRACT_RETRY_BACKOFF_SECONDS", &cfg.FailureBackoff)
	envString("CHANNELS_FILE", &cfg.ChannelsFile)
	envString("ORIGIN_PAGE_TEMPLATE", &cfg.OriginPageTemplate)
	envString("ORIGIN_REFERER", &cfg.OriginReferer)
	envString("USER_AGENT", &cfg.UserAgent)
	envSeconds("CONNECT_TIMEOUT_SECONDS", &cfg.ConnectTimeout)
	envSeconds("EXTRACT_TIMEOUT_SECONDS", &cfg.ExtractTimeout)
	envSeconds("MANIFEST_TIMEOUT_SECONDS", &cfg.ManifestTimeout)
	envSeconds("SEGMENT_TIMEOUT_SECONDS", &cfg.SegmentTimeout)
	envInt("ORIGIN_RATE_LIMIT", &cfg.OriginRateLimit)
	envInt("WORKER_THREADS", &cfg.WorkerThreads)
	envInt("MAX_CONNECTIONS", &cfg.MaxConnectionsToApp)
	envSeconds("MANIFEST_CACHE_SECONDS", &cfg.ManifestCacheDuration)
	envSeconds("PLAYLIST_CACHE_SECONDS", &cfg.PlaylistCacheDuration)
	envString("EPG_URL", &cfg.EPGURL)
	envString("GROUP_TITLE", &cfg.GroupTitle)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envBool("DEBUG", &cfg.Debug)
	envBool("OBFUSCATE_URLS", &cfg.ObfuscateUrls)
	envBool("ENABLE_GZIP", &cfg.EnableGzip)
}

func getDefaultConfig() *Config {
	return &Config{
		Port:                  8080,
		CacheTTL:              300 * time.Second,
		RefreshInterval:       240 * time.Second,
		FailureBackoff:        15 * time.Second,
		ChannelsFile:          "canales.txt",
		OriginPageTemplate:    "https://la14hd.com/vivo/canales.php?stream={channel}",
		OriginReferer:         "https://la14hd.com/",
		UserAgent:             "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
		ConnectTimeout:        10 * time.Second,
		ExtractTimeout:        10 * time.Second,
		ManifestTimeout:       15 * time.Second,
		SegmentTimeout:        60 * time.Second,
		OriginRateLimit:       5,
		WorkerThreads:         8,
		MaxConnectionsToApp:   200,
		ManifestCacheDuration: 2 * time.Second,
		PlaylistCacheDuration: 60 * time.Second,
		GroupTitle:            "La14HD",
		LogLevel:              "INFO",
		EnableGzip:            true,
	}
}

// validateAndSetDefaults ensures all config values are usable, filling in defaults
// for missing or invalid ones.
func validateAndSetDefaults(cfg *Config) {
	def := getDefaultConfig()

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = def.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.RefreshInterval >= cfg.CacheTTL {
		adjusted := cfg.CacheTTL * 4 / 5
		logger.Warn("{config - validateAndSetDefaults} refresh interval %s is not shorter than cache TTL %s, using %s",
			cfg.RefreshInterval, cfg.CacheTTL, adjusted)
		cfg.RefreshInterval = adjusted
	}
	if cfg.FailureBackoff < 0 {
		cfg.FailureBackoff = 0
	}
	if cfg.ChannelsFile == "" {
		cfg.ChannelsFile = def.ChannelsFile
	}
	if !strings.Contains(cfg.OriginPageTemplate, "{channel}") {
		logger.Warn("{config - validateAndSetDefaults} origin page template %q has no {channel} placeholder, using default", cfg.OriginPageTemplate)
		cfg.OriginPageTemplate = def.OriginPageTemplate
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = def.ExtractTimeout
	}
	if cfg.ManifestTimeout <= 0 {
		cfg.ManifestTimeout = def.ManifestTimeout
	}
	if cfg.SegmentTimeout <= 0 {
		cfg.SegmentTimeout = def.SegmentTimeout
	}
	if cfg.OriginRateLimit <= 0 {
		cfg.OriginRateLimit = def.OriginRateLimit
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = def.WorkerThreads
	}
	if cfg.MaxConnectionsToApp <= 0 {
		cfg.MaxConnectionsToApp = def.MaxConnectionsToApp
	}
	if cfg.ManifestCacheDuration < 0 {
		cfg.ManifestCacheDuration = 0
	}
	if cfg.PlaylistCacheDuration <= 0 {
		cfg.PlaylistCacheDuration = def.PlaylistCacheDuration
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	cfg.LogLevel = logger.ParseLogLevel(cfg.LogLevel).String()
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	gzip := true
	example := ConfigFile{
		Port:                  8080,
		BaseURL:               "http://localhost:8080",
		CacheTTL:              "5m",
		RefreshInterval:       "4m",
		FailureBackoff:        "15s",
		ChannelsFile:          "canales.txt",
		OriginPageTemplate:    "https://la14hd.com/vivo/canales.php?stream={channel}",
		OriginReferer:         "https://la14hd.com/",
		ConnectTimeout:        "10s",
		ExtractTimeout:        "10s",
		ManifestTimeout:       "15s",
		SegmentTimeout:        "60s",
		OriginRateLimit:       5,
		WorkerThreads:         8,
		MaxConnectionsToApp:   200,
		ManifestCacheDuration: "2s",
		PlaylistCacheDuration: "1m",
		GroupTitle:            "La14HD",
		LogLevel:              "INFO",
		EnableGzip:            &gzip,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache forces a reload on the next LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warn("{config - envInt} ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envSeconds(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		logger.Warn("{config - envSeconds} ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = time.Duration(secs * float64(time.Second))
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		logger.Warn("{config - envBool} ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = b
}

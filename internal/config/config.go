package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application. It is built once by
// Load and passed by value or pointer into component constructors.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Provider ProviderConfig
	Render   RenderConfig
	TV       TVConfig
	Redis    RedisConfig
	Interval time.Duration
	LogLevel string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         int
	ArtURLPath   string
	ReadTimeout  int
	WriteTimeout int
}

// StorageConfig holds the locations of the artifact and persisted id files
type StorageConfig struct {
	ArtPath string
}

// AuthMode selects how the fetcher authenticates to the image provider
type AuthMode string

const (
	AuthNone    AuthMode = "none"
	AuthBearer  AuthMode = "bearer"
	AuthBasic   AuthMode = "basic"
	AuthHeaders AuthMode = "headers"
)

// AuthConfig is a tagged variant: Mode selects which of the other fields apply.
type AuthConfig struct {
	Mode        AuthMode
	Token       string
	TokenHeader string
	TokenPrefix string
	Username    string
	Password    string
}

// ProviderConfig describes the remote image source
type ProviderConfig struct {
	URL      string
	Auth     AuthConfig
	Headers  map[string]string
	Timeout  time.Duration
	MaxBytes int64
}

// RenderConfig holds headless browser settings
type RenderConfig struct {
	Width       int
	Height      int
	Zoom        int
	Timeout     time.Duration
	ChromePaths []string
}

// TVConfig holds the Frame TV connection and upload settings
type TVConfig struct {
	IP              string
	Port            int
	Matte           string
	ShowAfterUpload bool
	ReplaceLast     bool
	LastArtFile     string
	TokenFile       string
	Timeout         time.Duration
}

// Enabled reports whether a TV is configured for uploads.
func (c TVConfig) Enabled() bool {
	return c.IP != ""
}

// RedisConfig holds Redis-related configuration. An empty Addr keeps the
// last art id in TV.LastArtFile instead.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Channel  string
}

const (
	preferredArtPath = "/data/art.jpg"
	fallbackArtPath  = "data/art.jpg"
)

// Load loads configuration from the add-on options file and environment
// variables. Environment values take precedence.
func Load() (*Config, error) {
	// Load .env file if it exists (optional)
	_ = godotenv.Load()

	options, err := loadOptions(getEnv("OPTIONS_FILE", "/data/options.json"))
	if err != nil {
		return nil, err
	}
	l := loader{options: options}

	headers, err := parseHeaders(l.get("IMAGE_PROVIDER_HEADERS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         l.getInt("HTTP_PORT", 8200),
			ArtURLPath:   l.get("ART_URL_PATH", "/art.jpg"),
			ReadTimeout:  l.getInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: l.getInt("SERVER_WRITE_TIMEOUT", 30),
		},
		Storage: StorageConfig{
			ArtPath: l.get("ART_PATH", ""),
		},
		Provider: ProviderConfig{
			URL: l.get("IMAGE_PROVIDER_URL", l.get("IMAGE_PROVIDER", "")),
			Auth: AuthConfig{
				Mode:        AuthMode(strings.ToLower(l.get("IMAGE_PROVIDER_AUTH_TYPE", string(AuthNone)))),
				Token:       l.get("IMAGE_PROVIDER_TOKEN", ""),
				TokenHeader: l.get("IMAGE_PROVIDER_TOKEN_HEADER", "Authorization"),
				TokenPrefix: l.get("IMAGE_PROVIDER_TOKEN_PREFIX", "Bearer"),
				Username:    l.get("IMAGE_PROVIDER_USERNAME", ""),
				Password:    l.get("IMAGE_PROVIDER_PASSWORD", ""),
			},
			Headers:  headers,
			Timeout:  time.Duration(l.getInt("FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
			MaxBytes: int64(l.getInt("FETCH_MAX_BYTES", 32<<20)),
		},
		Render: RenderConfig{
			Width:       l.getInt("SCREENSHOT_WIDTH", 1920),
			Height:      l.getInt("SCREENSHOT_HEIGHT", 1080),
			Zoom:        l.getInt("SCREENSHOT_ZOOM", 100),
			Timeout:     time.Duration(l.getInt("RENDER_TIMEOUT_SECONDS", 30)) * time.Second,
			ChromePaths: splitList(l.get("CHROME_PATHS", "/usr/bin/chromium-browser,/usr/bin/chromium,/usr/bin/google-chrome")),
		},
		TV: TVConfig{
			IP:              l.get("TV_IP", ""),
			Port:            l.getInt("TV_PORT", 8001),
			Matte:           l.get("TV_MATTE", ""),
			ShowAfterUpload: l.getBool("TV_SHOW_AFTER_UPLOAD", true),
			ReplaceLast:     l.getBool("TV_REPLACE_LAST", true),
			LastArtFile:     l.get("TV_LAST_ART_FILE", "/data/last-art-id.txt"),
			TokenFile:       l.get("TV_TOKEN_FILE", "/data/tv-token.txt"),
			Timeout:         time.Duration(l.getInt("TV_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     l.get("REDIS_ADDR", ""),
			Password: l.get("REDIS_PASSWORD", ""),
			DB:       l.getInt("REDIS_DB", 0),
			Key:      l.get("REDIS_LAST_ART_KEY", "artframe:last_art_id"),
			Channel:  l.get("REDIS_EVENTS_CHANNEL", "artframe:cycles"),
		},
		Interval: time.Duration(l.getInt("INTERVAL_SECONDS", l.getInt("INTERVAL", 300))) * time.Second,
		LogLevel: l.get("LOG_LEVEL", "info"),
	}

	if cfg.Storage.ArtPath == "" {
		cfg.Storage.ArtPath = resolveArtPath(preferredArtPath, fallbackArtPath)
	}
	if !strings.HasPrefix(cfg.Server.ArtURLPath, "/") {
		cfg.Server.ArtURLPath = "/" + cfg.Server.ArtURLPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints, most importantly that exactly one
// provider auth mode is configured.
func (c *Config) Validate() error {
	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP port %d", c.Server.Port))
	}
	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid viewport %dx%d", c.Render.Width, c.Render.Height))
	}
	if c.Render.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("render timeout must be positive, got %s", c.Render.Timeout))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must be positive, got %s", c.Provider.Timeout))
	}
	switch c.Server.ArtURLPath {
	case "", "/", "/health", "/status":
		errs = append(errs, fmt.Errorf("ART_URL_PATH %q collides with a built-in route", c.Server.ArtURLPath))
	}
	if c.Render.Zoom < 10 || c.Render.Zoom > 500 {
		errs = append(errs, fmt.Errorf("zoom must be between 10 and 500, got %d", c.Render.Zoom))
	}
	if err := c.Provider.Auth.validate(len(c.Provider.Headers)); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a AuthConfig) validate(headerCount int) error {
	hasToken := a.Token != ""
	hasBasic := a.Username != "" || a.Password != ""

	if hasToken && hasBasic {
		return errors.New("provider auth: both a bearer token and basic credentials are set; configure only one")
	}

	switch a.Mode {
	case AuthNone:
		return nil
	case AuthBearer:
		if !hasToken {
			return errors.New("provider auth: bearer mode requires IMAGE_PROVIDER_TOKEN")
		}
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return errors.New("provider auth: basic mode requires IMAGE_PROVIDER_USERNAME and IMAGE_PROVIDER_PASSWORD")
		}
	case AuthHeaders:
		if headerCount == 0 {
			return errors.New("provider auth: headers mode requires IMAGE_PROVIDER_HEADERS")
		}
	default:
		return fmt.Errorf("provider auth: unknown mode %q (want none, bearer, basic or headers)", a.Mode)
	}
	return nil
}

// loader resolves keys from the environment first and the options file second
type loader struct {
	options map[string]string
}

func (l loader) get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := l.options[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func (l loader) getInt(key string, defaultValue int) int {
	if value := l.get(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func (l loader) getBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(l.get(key, "")))
	switch value {
	case "":
		return defaultValue
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadOptions reads the add-on options file. Keys are upper-cased so that
// "tv_ip" in the file answers for TV_IP. A missing file is not an error.
func loadOptions(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read options file %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}

	options := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			options[strings.ToUpper(key)] = v
		case map[string]interface{}:
			// nested maps are header maps; keep them as JSON
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode option %s: %w", key, err)
			}
			options[strings.ToUpper(key)] = string(encoded)
		default:
			options[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return options, nil
}

// parseHeaders decodes the optional JSON header map
func parseHeaders(raw string) (map[string]string, error) {
	headers := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return headers, nil
	}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("IMAGE_PROVIDER_HEADERS must be a JSON object of strings: %w", err)
	}
	return headers, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveArtPath picks the preferred path when its directory is usable and
// otherwise the local fallback, creating the chosen directory.
func resolveArtPath(preferred, fallback string) string {
	path := fallback
	if dirUsable(filepath.Dir(preferred)) {
		path = preferred
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	return path
}

func dirUsable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}

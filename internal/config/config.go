package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"olhovivo-collector/internal/olhovivo"
)

// Execution modes.
const (
	ModeLoop      = "loop"
	ModeOnce      = "once"
	ModePositions = "positions"
)

// defaultKMZVariants lists the map layers served under /KMZ besides the base one.
var defaultKMZVariants = []string{
	"BC", "CB",
	"Corredor", "Corredor/BC", "Corredor/CB",
	"OutrasVias", "OutrasVias/BC", "OutrasVias/CB",
}

type Config struct {
	Token          string
	BaseURL        string        `validate:"required,url"`
	DataRoot       string        `validate:"required"`
	HTTPTimeout    time.Duration `validate:"gt=0"`
	CallDelay      time.Duration `validate:"gte=0"`
	CycleMin       time.Duration `validate:"gte=0"`
	CycleMax       time.Duration `validate:"gtefield=CycleMin"`
	RecoveryDelay  time.Duration `validate:"gte=0"`
	Mode           string        `validate:"oneof=loop once positions"`
	AuthAttempts   int           `validate:"gte=1"`
	LineSearchTerm string
	KMZVariants    []string `validate:"dive,required"`

	MetricsAddr       string
	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`
	CatalogDSN        string
	CuratedGTFSRT     bool
	// CuratedGTFSRTText writes the feed as protobuf text, for debugging.
	CuratedGTFSRTText bool
}

// fileConfig is the optional YAML overlay. Zero values leave defaults alone.
type fileConfig struct {
	BaseURL        string   `yaml:"baseURL"`
	DataRoot       string   `yaml:"dataRoot"`
	HTTPTimeoutSec int      `yaml:"httpTimeoutSec"`
	CallDelayMS    *int     `yaml:"callDelayMS"`
	CycleMinSec    *int     `yaml:"cycleMinSec"`
	CycleMaxSec    *int     `yaml:"cycleMaxSec"`
	RecoverySec    *int     `yaml:"recoverySec"`
	LineSearchTerm string   `yaml:"lineSearchTerm"`
	KMZVariants    []string `yaml:"kmzVariants"`
	CuratedGTFSRT  bool     `yaml:"curatedGTFSRT"`
	CuratedText    bool     `yaml:"curatedGTFSRTText"`
}

func defaults() *Config {
	return &Config{
		BaseURL:           olhovivo.DefaultBaseURL,
		DataRoot:          "Dados",
		HTTPTimeout:       30 * time.Second,
		CallDelay:         300 * time.Millisecond,
		CycleMin:          40 * time.Second,
		CycleMax:          70 * time.Second,
		RecoveryDelay:     60 * time.Second,
		Mode:              ModeLoop,
		AuthAttempts:      1,
		KMZVariants:       append([]string(nil), defaultKMZVariants...),
		NATSSubjectPrefix: "olhovivo",
	}
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Token = firstNonEmpty(os.Getenv("SPTRANS_TOKEN"), os.Getenv("SPTRANS_API_KEY"))
	cfg.BaseURL = getenvDefault("OLHOVIVO_BASE_URL", cfg.BaseURL)
	cfg.DataRoot = getenvDefault("DATA_ROOT", cfg.DataRoot)

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"HTTP_TIMEOUT_SEC", time.Second, &cfg.HTTPTimeout},
		{"CALL_DELAY_MS", time.Millisecond, &cfg.CallDelay},
		{"CYCLE_MIN_SEC", time.Second, &cfg.CycleMin},
		{"CYCLE_MAX_SEC", time.Second, &cfg.CycleMax},
		{"RECOVERY_SEC", time.Second, &cfg.RecoveryDelay},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.unit, d.dst); err != nil {
			return nil, err
		}
	}

	// EXEC_MODE=github was the name of the single-shot mode in CI runs
	mode := strings.ToLower(strings.TrimSpace(getenvDefault("EXEC_MODE", cfg.Mode)))
	if mode == "github" {
		mode = ModeOnce
	}
	cfg.Mode = mode

	if v := os.Getenv("AUTH_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid AUTH_ATTEMPTS: %q", v)
		}
		cfg.AuthAttempts = n
	}

	if v, ok := os.LookupEnv("LINE_SEARCH_TERM"); ok {
		cfg.LineSearchTerm = v
	}
	if v := os.Getenv("KMZ_VARIANTS"); v != "" {
		cfg.KMZVariants = splitList(v)
	}

	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.CatalogDSN = os.Getenv("CATALOG_DSN")

	if v := os.Getenv("CURATED_GTFSRT"); v != "" {
		cfg.CuratedGTFSRT = parseBool(v)
	}
	if v := os.Getenv("CURATED_GTFSRT_TEXT"); v != "" {
		cfg.CuratedGTFSRTText = parseBool(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.BaseURL != "" {
		cfg.BaseURL = fc.BaseURL
	}
	if fc.DataRoot != "" {
		cfg.DataRoot = fc.DataRoot
	}
	if fc.HTTPTimeoutSec > 0 {
		cfg.HTTPTimeout = time.Duration(fc.HTTPTimeoutSec) * time.Second
	}
	if fc.CallDelayMS != nil {
		cfg.CallDelay = time.Duration(*fc.CallDelayMS) * time.Millisecond
	}
	if fc.CycleMinSec != nil {
		cfg.CycleMin = time.Duration(*fc.CycleMinSec) * time.Second
	}
	if fc.CycleMaxSec != nil {
		cfg.CycleMax = time.Duration(*fc.CycleMaxSec) * time.Second
	}
	if fc.RecoverySec != nil {
		cfg.RecoveryDelay = time.Duration(*fc.RecoverySec) * time.Second
	}
	if fc.LineSearchTerm != "" {
		cfg.LineSearchTerm = fc.LineSearchTerm
	}
	if len(fc.KMZVariants) > 0 {
		cfg.KMZVariants = fc.KMZVariants
	}
	if fc.CuratedGTFSRT {
		cfg.CuratedGTFSRT = true
	}
	if fc.CuratedText {
		cfg.CuratedGTFSRTText = true
	}
	return nil
}

func envDuration(key string, unit time.Duration, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = time.Duration(n) * unit
	return nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

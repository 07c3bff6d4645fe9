package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"numerusx/internal/errs"
	"numerusx/internal/types"
)

// DefaultSettingsPath is read when NUMERUSX_CONFIG is unset.
const DefaultSettingsPath = "configs/settings.yaml"

// PairSettings is one traded pair and its cycle schedule.
type PairSettings struct {
	types.Pair `yaml:",inline"`
	// Schedule is a seconds-resolution cron spec.
	Schedule string `yaml:"schedule"`
}

type RiskSettings struct {
	MinTradeSize   float64 `yaml:"min_trade_size"`
	MaxExposurePct float64 `yaml:"max_exposure_pct"`
	MaxTradeSize   float64 `yaml:"max_trade_size"`
	Capital        float64 `yaml:"capital"`
}

type SecuritySettings struct {
	MinScore       float64 `yaml:"min_score"`
	MinDailyVolume float64 `yaml:"min_daily_volume"`
}

type DecisionSettings struct {
	Endpoint      string        `yaml:"endpoint"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"-"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxInputBytes int           `yaml:"max_input_bytes"`
	CandleWindow  int           `yaml:"candle_window"`
	MaxSignals    int           `yaml:"max_signals"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
}

type ExecutionSettings struct {
	MaxRetries     int           `yaml:"max_retries"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	SlippageBps    int           `yaml:"slippage_bps"`
	// RetryNonExpiry lists failure kinds re-quoted like an expiry.
	RetryNonExpiry []string `yaml:"retry_non_expiry"`
}

type JupiterSettings struct {
	BaseURL  string        `yaml:"base_url"`
	RPS      float64       `yaml:"rps"`
	Timeout  time.Duration `yaml:"timeout"`
	PriceTTL time.Duration `yaml:"price_ttl"`
	MaxStale time.Duration `yaml:"max_stale"`
}

type SolanaSettings struct {
	RPCURL string `yaml:"rpc_url"`
	// FallbackRPCURLs are health-checked when RPCURL is unhealthy.
	FallbackRPCURLs  []string `yaml:"fallback_rpc_urls"`
	WSURL            string   `yaml:"ws_url"`
	Wallet           string   `yaml:"wallet"`
	KeystoreDir      string   `yaml:"keystore_dir"`
	KeystorePassword string   `yaml:"-"`
}

type SignalSettings struct {
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	CandleInterval  time.Duration `yaml:"candle_interval"`
	CandleWindow    int           `yaml:"candle_window"`
}

type APISettings struct {
	Port string `yaml:"port"`
	// Embedded serves the API from the worker with live pair state.
	Embedded       bool     `yaml:"embedded"`
	RPS            float64  `yaml:"rps"`
	Burst          int      `yaml:"burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogSettings struct {
	Level string `yaml:"level"`
}

// Settings is the full process configuration. Secrets and connection
// parameters come from the environment only.
type Settings struct {
	Pairs     []PairSettings    `yaml:"pairs"`
	Risk      RiskSettings      `yaml:"risk"`
	Security  SecuritySettings  `yaml:"security"`
	Decision  DecisionSettings  `yaml:"decision"`
	Execution ExecutionSettings `yaml:"execution"`
	Jupiter   JupiterSettings   `yaml:"jupiter"`
	Solana    SolanaSettings    `yaml:"solana"`
	Signals   SignalSettings    `yaml:"signals"`
	API       APISettings       `yaml:"api"`
	Log       LogSettings       `yaml:"log"`
}

// Load reads .env, the YAML file at path (NUMERUSX_CONFIG or the default when
// empty), applies environment overrides and defaults, and validates the result.
func Load(path string) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithField("error", err.Error()).Warn("Failed to load .env")
	}
	if path == "" {
		path = os.Getenv("NUMERUSX_CONFIG")
	}
	if path == "" {
		path = DefaultSettingsPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes YAML settings and finishes them like Load does.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.applyEnv()
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) applyEnv() {
	s.Decision.APIKey = os.Getenv("REASONING_API_KEY")
	s.Solana.KeystorePassword = os.Getenv("KEYSTORE_PASSWORD")
	overrides := map[string]*string{
		"LOG_LEVEL":          &s.Log.Level,
		"REASONING_ENDPOINT": &s.Decision.Endpoint,
		"SOLANA_RPC_URL":     &s.Solana.RPCURL,
		"SOLANA_WS_URL":      &s.Solana.WSURL,
		"WALLET_ADDRESS":     &s.Solana.Wallet,
		"PORT":               &s.API.Port,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		s.API.AllowedOrigins = splitList(v)
	}
}

func (s *Settings) applyDefaults() {
	for i := range s.Pairs {
		if s.Pairs[i].Schedule == "" {
			s.Pairs[i].Schedule = "*/30 * * * * *"
		}
	}
	if s.Risk.MinTradeSize <= 0 {
		s.Risk.MinTradeSize = 10
	}
	if s.Security.MinScore <= 0 {
		s.Security.MinScore = 60
	}
	if s.Decision.Timeout <= 0 {
		s.Decision.Timeout = 20 * time.Second
	}
	if s.Decision.RetryDelay <= 0 {
		s.Decision.RetryDelay = time.Second
	}
	if s.Execution.MaxRetries <= 0 {
		s.Execution.MaxRetries = 2
	}
	if s.Execution.ConfirmTimeout <= 0 {
		s.Execution.ConfirmTimeout = 60 * time.Second
	}
	if s.Execution.PollInterval <= 0 {
		s.Execution.PollInterval = 2 * time.Second
	}
	if s.Execution.CallTimeout <= 0 {
		s.Execution.CallTimeout = 15 * time.Second
	}
	if s.Execution.SlippageBps <= 0 {
		s.Execution.SlippageBps = 50
	}
	if s.Jupiter.BaseURL == "" {
		s.Jupiter.BaseURL = "https://lite-api.jup.ag"
	}
	if s.Jupiter.RPS <= 0 {
		s.Jupiter.RPS = 1
	}
	if s.Jupiter.Timeout <= 0 {
		s.Jupiter.Timeout = 10 * time.Second
	}
	if s.Solana.RPCURL == "" {
		s.Solana.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if s.Signals.ProviderTimeout <= 0 {
		s.Signals.ProviderTimeout = 5 * time.Second
	}
	if s.API.Port == "" {
		s.API.Port = "8080"
	}
	if s.API.RPS <= 0 {
		s.API.RPS = 10
	}
	if s.API.Burst <= 0 {
		s.API.Burst = 20
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
}

// Validate reports every problem found, joined.
func (s *Settings) Validate() error {
	var problems []error
	if len(s.Pairs) == 0 {
		problems = append(problems, errors.New("at least one pair is required"))
	}
	seen := make(map[string]bool, len(s.Pairs))
	for i, p := range s.Pairs {
		if err := p.Pair.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("pairs[%d]: %w", i, err))
			continue
		}
		if seen[p.String()] {
			problems = append(problems, fmt.Errorf("pairs[%d]: duplicate pair %s", i, p.String()))
		}
		seen[p.String()] = true
	}
	if s.Risk.MaxExposurePct < 0 || s.Risk.MaxExposurePct > 100 {
		problems = append(problems, fmt.Errorf("risk.max_exposure_pct %v outside [0,100]", s.Risk.MaxExposurePct))
	}
	if s.Risk.MaxTradeSize < 0 || s.Risk.Capital < 0 {
		problems = append(problems, errors.New("risk.max_trade_size and risk.capital must be >= 0"))
	}
	if s.Security.MinScore > 100 {
		problems = append(problems, fmt.Errorf("security.min_score %v above 100", s.Security.MinScore))
	}
	if _, err := s.RetryNonExpiryKinds(); err != nil {
		problems = append(problems, err)
	}
	if _, err := log.ParseLevel(s.Log.Level); err != nil {
		problems = append(problems, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(problems...)
}

// retriable lists the kinds that may be configured for non-expiry retry.
var retriable = map[errs.Kind]bool{
	errs.KindSimulation:       true,
	errs.KindBroadcast:        true,
	errs.KindQuoteUnavailable: true,
}

// RetryNonExpiryKinds parses execution.retry_non_expiry.
func (s *Settings) RetryNonExpiryKinds() ([]errs.Kind, error) {
	var kinds []errs.Kind
	for _, raw := range s.Execution.RetryNonExpiry {
		k := errs.Kind(strings.TrimSpace(raw))
		if !retriable[k] {
			return nil, fmt.Errorf("execution.retry_non_expiry: kind %q cannot be retried", raw)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// TradingPairs returns the configured pairs.
func (s *Settings) TradingPairs() []types.Pair {
	out := make([]types.Pair, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		out = append(out, p.Pair)
	}
	return out
}

// Schedules maps each pair symbol to its cron spec.
func (s *Settings) Schedules() map[string]string {
	out := make(map[string]string, len(s.Pairs))
	for _, p := range s.Pairs {
		out[p.String()] = p.Schedule
	}
	return out
}

// SetupLogging configures logrus the way every long-running process does.
func SetupLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

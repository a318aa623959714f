package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"withdrawguard/internal/evaluator"
	"withdrawguard/internal/gate"
	"withdrawguard/internal/logging"
	"withdrawguard/internal/reconcile"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Assets       []string           `mapstructure:"assets"`
	Evaluation   EvaluationConfig   `mapstructure:"evaluation"`
	Reference    ReferenceConfig    `mapstructure:"reference"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Gate         GateConfig         `mapstructure:"gate"`
	PriceCompare PriceCompareConfig `mapstructure:"price_compare"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Exporter     ExporterConfig     `mapstructure:"exporter"`
	Diagnostics  DiagnosticsConfig  `mapstructure:"diagnostics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EvaluationConfig holds the cross-component evaluation knobs.
type EvaluationConfig struct {
	// SafetyFactor scales per-wallet gain into the withdrawal cap.
	SafetyFactor float64 `mapstructure:"safety_factor"`
	// WindowHours is the data range fetched for each evaluation.
	WindowHours float64 `mapstructure:"window_hours"`
}

// ReferenceConfig selects the reference instant policy.
type ReferenceConfig struct {
	Keyword  string `mapstructure:"keyword"`
	Fallback string `mapstructure:"fallback"`
}

// SpikeConfig tunes the spike-detect alignment search.
type SpikeConfig struct {
	WindowBins    int     `mapstructure:"window_bins"`
	ZThreshold    float64 `mapstructure:"z_threshold"`
	MagnitudeLow  float64 `mapstructure:"magnitude_low"`
	MagnitudeHigh float64 `mapstructure:"magnitude_high"`
}

// ReconcileConfig selects the gain pipeline policies.
type ReconcileConfig struct {
	Interpolation   string      `mapstructure:"interpolation"`
	Alignment       string      `mapstructure:"alignment"`
	TimestampSource string      `mapstructure:"timestamp_source"`
	Spike           SpikeConfig `mapstructure:"spike"`
}

// GateConfig parameterises the residual decision gate.
type GateConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	Basis               string  `mapstructure:"basis"`
	Method              string  `mapstructure:"method"`
	PolynomialOrder     int     `mapstructure:"polynomial_order"`
	KSigma              float64 `mapstructure:"k_sigma"`
	MinPoints           int     `mapstructure:"min_points"`
	ThresholdMode       string  `mapstructure:"threshold_mode"`
	CentralConfidence   float64 `mapstructure:"central_confidence"`
	LookbackHours       float64 `mapstructure:"lookback_hours"`
	SigmaEpsilon        float64 `mapstructure:"sigma_epsilon"`
	ExcludeLastForSigma bool    `mapstructure:"exclude_last_for_sigma"`
}

// PriceCompareConfig parameterises the cross-source price check.
type PriceCompareConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	Mode                 string  `mapstructure:"mode"`
	Epsilon              float64 `mapstructure:"epsilon"`
	PersistenceThreshold int     `mapstructure:"persistence_threshold"`
	Action               string  `mapstructure:"action"`
}

// AggregatorSourceConfig captures the HTTP aggregator connectivity.
type AggregatorSourceConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	Name           string            `mapstructure:"name"`
	BaseURL        string            `mapstructure:"base_url"`
	AssetIDs       map[string]string `mapstructure:"asset_ids"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
}

// VaultSourceConfig covers on-chain data access.
type VaultSourceConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	Name           string            `mapstructure:"name"`
	RPCURL         string            `mapstructure:"rpc_url"`
	Vaults         map[string]string `mapstructure:"vaults"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// SourcesConfig lists the independent price sources.
type SourcesConfig struct {
	Aggregator AggregatorSourceConfig `mapstructure:"aggregator"`
	Vault      VaultSourceConfig      `mapstructure:"vault"`
}

// AlertingConfig defines alert routing for decision transitions.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExporterConfig sets the Prometheus endpoint behaviour.
type ExporterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// DiagnosticsConfig sets residual chart export behaviour.
type DiagnosticsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	OutputDir     string `mapstructure:"output_dir"`
	MaxDataPoints int    `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WITHDRAWGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "withdrawguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x77677264))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("evaluation.safety_factor", 0.8)
	v.SetDefault("evaluation.window_hours", 24.0*14)

	v.SetDefault("reference.keyword", "")
	v.SetDefault("reference.fallback", "null")

	v.SetDefault("reconcile.interpolation", "linear")
	v.SetDefault("reconcile.alignment", "exact")
	v.SetDefault("reconcile.timestamp_source", "timestamp")
	v.SetDefault("reconcile.spike.window_bins", 8)
	v.SetDefault("reconcile.spike.z_threshold", 3.0)
	v.SetDefault("reconcile.spike.magnitude_low", 0.3)
	v.SetDefault("reconcile.spike.magnitude_high", 1.5)

	v.SetDefault("gate.enabled", true)
	v.SetDefault("gate.basis", "corrected_gain")
	v.SetDefault("gate.method", "polynomial_fit")
	v.SetDefault("gate.polynomial_order", 1)
	v.SetDefault("gate.k_sigma", 2.0)
	v.SetDefault("gate.min_points", 8)
	v.SetDefault("gate.threshold_mode", "stddev")
	v.SetDefault("gate.central_confidence", 0.95)
	v.SetDefault("gate.lookback_hours", 0.0)
	v.SetDefault("gate.sigma_epsilon", 1e-9)
	v.SetDefault("gate.exclude_last_for_sigma", true)

	v.SetDefault("price_compare.enabled", false)
	v.SetDefault("price_compare.mode", "relative")
	v.SetDefault("price_compare.epsilon", 0.01)
	v.SetDefault("price_compare.persistence_threshold", 2)
	v.SetDefault("price_compare.action", "hold")

	v.SetDefault("sources.aggregator.enabled", false)
	v.SetDefault("sources.aggregator.name", "aggregator")
	v.SetDefault("sources.aggregator.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("sources.aggregator.request_timeout", "10s")
	v.SetDefault("sources.aggregator.user_agent", "withdrawguard/1.0")
	v.SetDefault("sources.vault.enabled", false)
	v.SetDefault("sources.vault.name", "vault")
	v.SetDefault("sources.vault.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("exporter.enabled", false)
	v.SetDefault("exporter.listen", ":9464")

	v.SetDefault("diagnostics.enabled", false)
	v.SetDefault("diagnostics.output_dir", "charts")
	v.SetDefault("diagnostics.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values. Policy names
// are parsed here so a bad one fails at load time, never mid-cycle.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets must list at least one asset")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Evaluation.SafetyFactor <= 0 || c.Evaluation.SafetyFactor > 1 {
		return fmt.Errorf("evaluation.safety_factor must be in (0, 1]")
	}
	if c.Evaluation.WindowHours <= 0 {
		return fmt.Errorf("evaluation.window_hours must be greater than zero")
	}
	if c.Gate.PolynomialOrder < 0 {
		return fmt.Errorf("gate.polynomial_order cannot be negative")
	}
	if c.Gate.KSigma <= 0 {
		return fmt.Errorf("gate.k_sigma must be greater than zero")
	}
	if c.Gate.MinPoints < 2 {
		return fmt.Errorf("gate.min_points must be at least 2")
	}
	if c.Gate.CentralConfidence <= 0 || c.Gate.CentralConfidence >= 1 {
		return fmt.Errorf("gate.central_confidence must be in (0, 1)")
	}
	if c.Gate.SigmaEpsilon < 0 {
		return fmt.Errorf("gate.sigma_epsilon cannot be negative")
	}
	if c.PriceCompare.Epsilon < 0 {
		return fmt.Errorf("price_compare.epsilon cannot be negative")
	}
	if c.PriceCompare.PersistenceThreshold < 1 {
		return fmt.Errorf("price_compare.persistence_threshold must be at least 1")
	}
	if c.Diagnostics.Enabled && c.Diagnostics.MaxDataPoints <= 0 {
		return fmt.Errorf("diagnostics.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}

	if _, err := c.EvaluatorConfig(); err != nil {
		return err
	}
	return nil
}

// EvaluatorConfig converts the string-typed policy names into the closed
// evaluator parameter set.
func (c *Config) EvaluatorConfig() (evaluator.Config, error) {
	interp, err := reconcile.ParseInterpolationMethod(c.Reconcile.Interpolation)
	if err != nil {
		return evaluator.Config{}, err
	}
	alignment, err := reconcile.ParseAlignmentPolicy(c.Reconcile.Alignment)
	if err != nil {
		return evaluator.Config{}, err
	}
	tsSource, err := reconcile.ParseTimestampSource(c.Reconcile.TimestampSource)
	if err != nil {
		return evaluator.Config{}, err
	}
	fallback, err := evaluator.ParseFallbackMode(c.Reference.Fallback)
	if err != nil {
		return evaluator.Config{}, err
	}
	basis, err := gate.ParseBasis(c.Gate.Basis)
	if err != nil {
		return evaluator.Config{}, err
	}
	method, err := gate.ParseMethod(c.Gate.Method)
	if err != nil {
		return evaluator.Config{}, err
	}
	thresholdMode, err := gate.ParseThresholdMode(c.Gate.ThresholdMode)
	if err != nil {
		return evaluator.Config{}, err
	}
	epsilonMode, err := evaluator.ParseEpsilonMode(c.PriceCompare.Mode)
	if err != nil {
		return evaluator.Config{}, err
	}
	action, err := evaluator.ParseMismatchAction(c.PriceCompare.Action)
	if err != nil {
		return evaluator.Config{}, err
	}

	spike := reconcile.DefaultSpikeDetectParams()
	if c.Reconcile.Spike.WindowBins > 0 {
		spike.WindowBins = c.Reconcile.Spike.WindowBins
	}
	if c.Reconcile.Spike.ZThreshold > 0 {
		spike.ZThreshold = c.Reconcile.Spike.ZThreshold
	}
	if c.Reconcile.Spike.MagnitudeLow > 0 {
		spike.MagnitudeLow = c.Reconcile.Spike.MagnitudeLow
	}
	if c.Reconcile.Spike.MagnitudeHigh > 0 {
		spike.MagnitudeHigh = c.Reconcile.Spike.MagnitudeHigh
	}

	return evaluator.Config{
		SafetyFactor: c.Evaluation.SafetyFactor,
		Reference: evaluator.ReferenceConfig{
			Keyword:  c.Reference.Keyword,
			Fallback: fallback,
		},
		Reconcile: reconcile.Params{
			Interpolation:   interp,
			Alignment:       alignment,
			TimestampSource: tsSource,
			Spike:           spike,
		},
		Gate: gate.Config{
			Enabled:             c.Gate.Enabled,
			Basis:               basis,
			Method:              method,
			PolynomialOrder:     c.Gate.PolynomialOrder,
			KSigma:              c.Gate.KSigma,
			MinPoints:           c.Gate.MinPoints,
			ThresholdMode:       thresholdMode,
			CentralConfidence:   c.Gate.CentralConfidence,
			LookbackHours:       c.Gate.LookbackHours,
			SigmaEpsilon:        c.Gate.SigmaEpsilon,
			ExcludeLastForSigma: c.Gate.ExcludeLastForSigma,
		},
		PriceCompare: evaluator.PriceCompareConfig{
			Enabled:              c.PriceCompare.Enabled,
			Mode:                 epsilonMode,
			Epsilon:              c.PriceCompare.Epsilon,
			PersistenceThreshold: c.PriceCompare.PersistenceThreshold,
			Action:               action,
		},
	}, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Diagnostics.MaxDataPoints
}

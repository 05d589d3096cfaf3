package main

/*

NOTE(@hadydotai): A copy from my validation code which I should probably release at some point as a library but alas, I only need some bits
of it here. The env/file layering lives next to it now, flags still win over everything.

*/

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is everything the bot needs to run. Sources, lowest to highest precedence: defaults, the
// YAML file, .env, the process environment, command line flags.
type Config struct {
	RPCURL     string `yaml:"rpc_url"`
	Commitment string `yaml:"commitment"`

	TelegramToken   string `yaml:"telegram_token"`
	TelegramWorkers int    `yaml:"telegram_workers"`

	// WalletPrivateKey pre-provisions every new chat with one wallet, leave empty to let each chat
	// bring its own.
	WalletPrivateKey string `yaml:"wallet_private_key"`

	JupiterURL  string        `yaml:"jupiter_url"`
	JupiterRPS  int           `yaml:"jupiter_rps"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	SlippageBps         int           `yaml:"slippage_bps"`
	PriorityMaxLamports uint64        `yaml:"priority_max_lamports"`
	PriorityLevel       string        `yaml:"priority_level"`
	MaxRetries          int           `yaml:"max_retries"`
	AwaitFinality       bool          `yaml:"await_finality"`
	FinalityTimeout     time.Duration `yaml:"finality_timeout"`

	RedisURL      string        `yaml:"redis_url"`
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`

	JournalPath  string `yaml:"journal_path"`
	HistoryLimit int    `yaml:"history_limit"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

func defaultConfig() Config {
	policy := DefaultSwapPolicy()
	return Config{
		RPCURL:              rpc.MainNetBeta_RPC,
		Commitment:          string(rpc.CommitmentConfirmed),
		TelegramWorkers:     16,
		JupiterURL:          defaultJupiterAPI,
		JupiterRPS:          1,
		HTTPTimeout:         15 * time.Second,
		SlippageBps:         int(policy.SlippageBps),
		PriorityMaxLamports: policy.PriorityFee.MaxLamports,
		PriorityLevel:       policy.PriorityFee.Level,
		MaxRetries:          int(policy.MaxRetries),
		FinalityTimeout:     policy.FinalityTimeout,
		SessionTTL:          24 * time.Hour,
		JournalPath:         "data/swaps.db",
		HistoryLimit:        10,
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// LoadConfig layers the YAML file (if any), then .env, then the environment over the defaults.
// Flags are applied afterwards by the caller.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	// godotenv never overrides variables that are already set, which gives env > .env for free.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type envBinding struct {
	name string
	set  func(v string) error
}

func (cfg *Config) envBindings() []envBinding {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			*dst = n
			return err
		}
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			*dst = d
			return err
		}
	}
	return []envBinding{
		{"RPC_URL", str(&cfg.RPCURL)},
		{"RPC_COMMITMENT", str(&cfg.Commitment)},
		{"TELEGRAM_BOT_TOKEN", str(&cfg.TelegramToken)},
		{"TELEGRAM_WORKERS", num(&cfg.TelegramWorkers)},
		{"WALLET_PRIVATEKEY", str(&cfg.WalletPrivateKey)},
		{"JUPITER_API_URL", str(&cfg.JupiterURL)},
		{"JUPITER_RPS", num(&cfg.JupiterRPS)},
		{"HTTP_TIMEOUT", dur(&cfg.HTTPTimeout)},
		{"SLIPPAGE_BPS", num(&cfg.SlippageBps)},
		{"PRIORITY_MAX_LAMPORTS", func(v string) error {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			cfg.PriorityMaxLamports = n
			return err
		}},
		{"PRIORITY_LEVEL", str(&cfg.PriorityLevel)},
		{"MAX_RETRIES", num(&cfg.MaxRetries)},
		{"AWAIT_FINALITY", func(v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			cfg.AwaitFinality = b
			return err
		}},
		{"FINALITY_TIMEOUT", dur(&cfg.FinalityTimeout)},
		{"REDIS_URL", str(&cfg.RedisURL)},
		{"SESSION_SECRET", str(&cfg.SessionSecret)},
		{"SESSION_TTL", dur(&cfg.SessionTTL)},
		{"JOURNAL_PATH", str(&cfg.JournalPath)},
		{"HISTORY_LIMIT", num(&cfg.HistoryLimit)},
		{"METRICS_ADDR", str(&cfg.MetricsAddr)},
		{"LOG_LEVEL", str(&cfg.LogLevel)},
		{"LOG_FORMAT", str(&cfg.LogFormat)},
	}
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range cfg.envBindings() {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("environment variable %s: %w", b.name, err)
		}
	}
	return nil
}

// bindConfigFlags registers the overridable settings on fs. The returned func copies only the flags
// the user actually passed onto a loaded Config.
func bindConfigFlags(fs *pflag.FlagSet) func(cfg *Config) {
	var o Config
	fs.StringVar(&o.RPCURL, "rpc", "", "Solana RPC endpoint (env RPC_URL)")
	fs.StringVar(&o.Commitment, "commitment", "", "commitment for balance reads: processed|confirmed|finalized")
	fs.StringVar(&o.JupiterURL, "jupiter", "", "Jupiter swap API base URL (env JUPITER_API_URL)")
	fs.IntVar(&o.SlippageBps, "slippage-bps", 0, "slippage tolerance in basis points")
	fs.BoolVar(&o.AwaitFinality, "await-finality", false, "wait for the swap to be finalized before replying")
	fs.StringVar(&o.RedisURL, "redis", "", "share sessions through Redis (env REDIS_URL)")
	fs.StringVar(&o.JournalPath, "journal", "", "swap journal SQLite path, empty disables (env JOURNAL_PATH)")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "listen address for /healthz and /metrics, empty disables")
	fs.StringVar(&o.LogLevel, "log-level", "", "debug|info|warn|error")
	fs.StringVar(&o.LogFormat, "log-format", "", "console|json")
	return func(cfg *Config) {
		if fs.Changed("rpc") {
			cfg.RPCURL = o.RPCURL
		}
		if fs.Changed("commitment") {
			cfg.Commitment = o.Commitment
		}
		if fs.Changed("jupiter") {
			cfg.JupiterURL = o.JupiterURL
		}
		if fs.Changed("slippage-bps") {
			cfg.SlippageBps = o.SlippageBps
		}
		if fs.Changed("await-finality") {
			cfg.AwaitFinality = o.AwaitFinality
		}
		if fs.Changed("redis") {
			cfg.RedisURL = o.RedisURL
		}
		if fs.Changed("journal") {
			cfg.JournalPath = o.JournalPath
		}
		if fs.Changed("metrics-addr") {
			cfg.MetricsAddr = o.MetricsAddr
		}
		if fs.Changed("log-level") {
			cfg.LogLevel = o.LogLevel
		}
		if fs.Changed("log-format") {
			cfg.LogFormat = o.LogFormat
		}
	}
}

// flagSpecs are the rules every command checks. needTelegram adds the bot token.
func (cfg *Config) flagSpecs(needTelegram bool) []FlagSpec {
	specs := []FlagSpec{
		{Name: "rpc", Value: &cfg.RPCURL, Rules: []FlagRule{NotEmpty(), IsURL("http", "https")}},
		{Name: "commitment", Value: &cfg.Commitment, Rules: []FlagRule{OneOf("processed", "confirmed", "finalized")}},
		{Name: "jupiter", Value: &cfg.JupiterURL, Rules: []FlagRule{NotEmpty(), IsURL("http", "https")}},
		{Name: "slippage-bps", Value: &cfg.SlippageBps, Rules: []FlagRule{InRange(1, 10_000)}},
		{Name: "priority-level", Value: &cfg.PriorityLevel, Rules: []FlagRule{OneOf("medium", "high", "veryHigh")}},
		{Name: "max-retries", Value: &cfg.MaxRetries, Rules: []FlagRule{InRange(0, 20)}},
		{Name: "history-limit", Value: &cfg.HistoryLimit, Rules: []FlagRule{InRange(1, 100)}},
		{Name: "wallet-privatekey", Value: &cfg.WalletPrivateKey, Rules: []FlagRule{IsBase58Key(64)}},
		{Name: "redis", Value: &cfg.RedisURL, Rules: []FlagRule{IsURL("redis", "rediss"), Requires("session-secret")}},
		// no rules of its own, --redis pulls it in through Requires
		{Name: "session-secret", Value: &cfg.SessionSecret},
		{Name: "log-level", Value: &cfg.LogLevel, Rules: []FlagRule{OneOf("debug", "info", "warn", "error")}},
		{Name: "log-format", Value: &cfg.LogFormat, Rules: []FlagRule{OneOf("console", "json")}},
	}
	if needTelegram {
		specs = append(specs, FlagSpec{Name: "telegram-token", Value: &cfg.TelegramToken, Rules: []FlagRule{NotEmpty()}})
	}
	return specs
}

// Validate runs the rule set for a command.
func (cfg *Config) Validate(needTelegram bool) error {
	return ValidateConfig(cfg.flagSpecs(needTelegram))
}

func (cfg *Config) swapPolicy() SwapPolicy {
	policy := DefaultSwapPolicy()
	policy.SlippageBps = uint16(cfg.SlippageBps)
	policy.PriorityFee.MaxLamports = cfg.PriorityMaxLamports
	policy.PriorityFee.Level = cfg.PriorityLevel
	policy.MaxRetries = uint(cfg.MaxRetries)
	policy.AwaitFinality = cfg.AwaitFinality
	if cfg.FinalityTimeout > 0 {
		policy.FinalityTimeout = cfg.FinalityTimeout
	}
	return policy
}

// newLogger builds the zap logger from log_level / log_format. paths replaces stderr when given.
func newLogger(level, format string, paths ...string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	if len(paths) > 0 {
		zc.OutputPaths = paths
		zc.ErrorOutputPaths = paths
	}
	return zc.Build()
}

// FlagRule represents a validation rule that runs against a flag entry.
type FlagRule func(spec *FlagSpec, ctx *validationContext) error

// FlagSpec bundles a flag name, its backing pointer, and the rules to enforce on it.
type FlagSpec struct {
	Name  string
	Value any
	Rules []FlagRule
}

// ValidateConfig validates the provided specs. Commands return the error so cobra prints usage.
func ValidateConfig(specs []FlagSpec) error {
	if err := runFlagValidations(specs); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	return nil
}

// NotEmpty asserts that the underlying string flag is not blank.
func NotEmpty() FlagRule {
	return func(spec *FlagSpec, ctx *validationContext) error {
		value, ok := stringValue(spec.Value)
		if !ok {
			return fmt.Errorf("flag --%s must be a string", spec.Name)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("flag --%s must not be empty", spec.Name)
		}
		return nil
	}
}

// OneOf asserts that a string flag is one of the provided options (case-insensitive).
func OneOf(options ...string) FlagRule {
	allowed := make(map[string]struct{}, len(options))
	for _, opt := range options {
		allowed[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	return func(spec *FlagSpec, ctx *validationContext) error {
		value, ok := stringValue(spec.Value)
		if !ok {
			return fmt.Errorf("flag --%s must be a string", spec.Name)
		}
		normalized := strings.ToLower(strings.TrimSpace(value))
		if _, exists := allowed[normalized]; !exists {
			choices := make([]string, 0, len(allowed))
			for opt := range allowed {
				choices = append(choices, opt)
			}
			sort.Strings(choices)
			return fmt.Errorf("flag --%s must be one of [%s]", spec.Name, strings.Join(choices, ", "))
		}
		return nil
	}
}

// IsURL asserts that a non-empty string flag parses as an absolute URL with one of the schemes.
func IsURL(schemes ...string) FlagRule {
	return func(spec *FlagSpec, ctx *validationContext) error {
		value, ok := stringValue(spec.Value)
		if !ok {
			return fmt.Errorf("flag --%s must be a string", spec.Name)
		}
		if strings.TrimSpace(value) == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return fmt.Errorf("flag --%s must be an absolute URL, got %q", spec.Name, value)
		}
		for _, s := range schemes {
			if strings.EqualFold(u.Scheme, s) {
				return nil
			}
		}
		return fmt.Errorf("flag --%s must use one of the schemes [%s]", spec.Name, strings.Join(schemes, ", "))
	}
}

// IsBase58Key asserts that a non-empty string flag decodes from base58 to exactly size bytes.
func IsBase58Key(size int) FlagRule {
	return func(spec *FlagSpec, ctx *validationContext) error {
		value, ok := stringValue(spec.Value)
		if !ok {
			return fmt.Errorf("flag --%s must be a string", spec.Name)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return nil
		}
		raw, err := base58.Decode(value)
		if err != nil {
			return fmt.Errorf("flag --%s is not valid base58", spec.Name)
		}
		if len(raw) != size {
			return fmt.Errorf("flag --%s must decode to %d bytes, got %d", spec.Name, size, len(raw))
		}
		return nil
	}
}

// InRange asserts that an integer flag lies within [lo, hi].
func InRange(lo, hi int64) FlagRule {
	return func(spec *FlagSpec, ctx *validationContext) error {
		rv, ok := derefValue(spec.Value)
		if !ok {
			return fmt.Errorf("flag --%s is missing a value", spec.Name)
		}
		var n int64
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if rv.Uint() > uint64(hi) {
				return fmt.Errorf("flag --%s must be between %d and %d", spec.Name, lo, hi)
			}
			n = int64(rv.Uint())
		default:
			return fmt.Errorf("flag --%s must be an integer", spec.Name)
		}
		if n < lo || n > hi {
			return fmt.Errorf("flag --%s must be between %d and %d", spec.Name, lo, hi)
		}
		return nil
	}
}

// Requires ensures that when the current flag is set, the dependent flag passes validation.
func Requires(dep string) FlagRule {
	return func(spec *FlagSpec, ctx *validationContext) error {
		if !valueProvided(spec.Value) {
			return nil
		}
		target, ok := ctx.registry[dep]
		if !ok {
			return fmt.Errorf("flag --%s requires --%s, but the dependency is not registered", spec.Name, dep)
		}
		if err := ctx.validate(target); err != nil {
			return fmt.Errorf("flag --%s requires --%s: %w", spec.Name, dep, err)
		}
		if !valueProvided(target.Value) {
			return fmt.Errorf("flag --%s requires --%s to be set", spec.Name, dep)
		}
		return nil
	}
}

type validationContext struct {
	registry   map[string]*FlagSpec
	validating map[string]bool
	validated  map[string]bool
}

func runFlagValidations(specs []FlagSpec) error {
	if len(specs) == 0 {
		return nil
	}
	ctx := &validationContext{
		registry:   make(map[string]*FlagSpec, len(specs)),
		validating: make(map[string]bool, len(specs)),
		validated:  make(map[string]bool, len(specs)),
	}
	for i := range specs {
		spec := &specs[i]
		if spec.Name == "" {
			return errors.New("flag spec missing name")
		}
		if spec.Value == nil {
			return fmt.Errorf("flag --%s is missing its backing pointer", spec.Name)
		}
		if _, exists := ctx.registry[spec.Name]; exists {
			return fmt.Errorf("flag --%s defined more than once", spec.Name)
		}
		ctx.registry[spec.Name] = spec
	}
	// map order is random, walk names sorted so the first reported error is stable
	names := make([]string, 0, len(ctx.registry))
	for name := range ctx.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.validate(ctx.registry[name]); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *validationContext) validate(spec *FlagSpec) error {
	if spec == nil {
		return nil
	}
	if ctx.validated[spec.Name] {
		return nil
	}
	if ctx.validating[spec.Name] {
		return nil
	}
	ctx.validating[spec.Name] = true
	defer delete(ctx.validating, spec.Name)
	for _, rule := range spec.Rules {
		if rule == nil {
			continue
		}
		if err := rule(spec, ctx); err != nil {
			return err
		}
	}
	ctx.validated[spec.Name] = true
	return nil
}

func stringValue(value any) (string, bool) {
	rv, ok := derefValue(value)
	if !ok || rv.Kind() != reflect.String {
		return "", false
	}
	return rv.String(), true
}

func valueProvided(value any) bool {
	rv, ok := derefValue(value)
	if !ok {
		return false
	}
	switch rv.Kind() {
	case reflect.String:
		return strings.TrimSpace(rv.String()) != ""
	case reflect.Bool:
		return rv.Bool()
	default:
		return !rv.IsZero()
	}
}

func derefValue(value any) (reflect.Value, bool) {
	if value == nil {
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, false
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return reflect.Value{}, false
	}
	return rv, true
}

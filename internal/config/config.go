package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/defi-custody/internal/amount"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/registry"
)

const (
	SignerLocal   = "local"
	SignerWebhook = "webhook"

	BackendMemory = "memory"
	BackendRedis  = "redis"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type GlobalFlags struct {
	ConfigPath     string
	EnvFile        string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	LogLevel       string
	LogFormat      string
	RPCURL         string
	DryRun         bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	LogLevel       string
	LogFormat      string

	ChainID          int64
	RPCURL           string
	CustodialAddress string
	DryRun           bool
	MaxTxValueWei    string
	MaxAutoWrapWei   string
	QuoteProviders   []string

	SignerMode           string
	PrivateKey           string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
	WebhookURL           string
	WebhookToken         string
	WebhookTimeout       time.Duration

	ReceiptInterval time.Duration
	ReceiptAttempts int

	IdempotencyBackend string
	IdempotencyTTL     time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisTLS           bool
	RedisPrefix        string

	StoreDriver   string
	StorePath     string
	StoreLockPath string
	PostgresDSN   string

	ListenAddr string
	APIToken   string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Chain struct {
		ID     *int64 `yaml:"id"`
		RPCURL string `yaml:"rpc_url"`
	} `yaml:"chain"`
	Custody struct {
		Address        string   `yaml:"address"`
		DryRun         *bool    `yaml:"dry_run"`
		MaxTxValueWei  string   `yaml:"max_tx_value_wei"`
		MaxAutoWrapWei string   `yaml:"max_auto_wrap_wei"`
		QuoteProviders []string `yaml:"quote_providers"`
	} `yaml:"custody"`
	Signer struct {
		Mode                 string `yaml:"mode"`
		PrivateKeyEnv        string `yaml:"private_key_env"`
		PrivateKeyFile       string `yaml:"private_key_file"`
		KeystorePath         string `yaml:"keystore_path"`
		KeystorePasswordFile string `yaml:"keystore_password_file"`
		Webhook              struct {
			URL      string `yaml:"url"`
			Token    string `yaml:"token"`
			TokenEnv string `yaml:"token_env"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"webhook"`
	} `yaml:"signer"`
	Receipts struct {
		Interval    string `yaml:"interval"`
		MaxAttempts *int   `yaml:"max_attempts"`
	} `yaml:"receipts"`
	Idempotency struct {
		Backend string `yaml:"backend"`
		TTL     string `yaml:"ttl"`
		Redis   struct {
			Addr        string `yaml:"addr"`
			PasswordEnv string `yaml:"password_env"`
			DB          *int   `yaml:"db"`
			TLS         *bool  `yaml:"tls"`
			Prefix      string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"idempotency"`
	Store struct {
		Driver         string `yaml:"driver"`
		Path           string `yaml:"path"`
		LockPath       string `yaml:"lock_path"`
		PostgresDSN    string `yaml:"postgres_dsn"`
		PostgresDSNEnv string `yaml:"postgres_dsn_env"`
	} `yaml:"store"`
	Server struct {
		Listen      string `yaml:"listen"`
		APITokenEnv string `yaml:"api_token_env"`
	} `yaml:"server"`
}

// Load resolves settings from defaults, the YAML file, the .env file, the
// CUSTODY_* environment and flags, in that order. Parse errors are returned;
// semantic checks are left to Validate.
func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	dotenv, err := readEnvFile(flags.EnvFile)
	if err != nil {
		return Settings{}, err
	}
	env := newEnvSource(dotenv)

	if err := applyFileConfig(cfgPath, env, &settings); err != nil {
		return Settings{}, err
	}
	applyEnv(env, &settings)
	if err := env.err(); err != nil {
		return Settings{}, err
	}
	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	dir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:         "json",
		Timeout:            10 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
		ChainID:            8453,
		MaxTxValueWei:      "1000000000000000000",
		MaxAutoWrapWei:     "100000000000000000",
		QuoteProviders:     []string{"0x"},
		SignerMode:         SignerWebhook,
		WebhookTimeout:     10 * time.Second,
		ReceiptInterval:    2 * time.Second,
		ReceiptAttempts:    30,
		IdempotencyBackend: BackendMemory,
		IdempotencyTTL:     30 * time.Second,
		RedisPrefix:        "custody:idem:",
		StoreDriver:        DriverSQLite,
		StorePath:          filepath.Join(dir, "trades.db"),
		StoreLockPath:      filepath.Join(dir, "trades.lock"),
		ListenAddr:         ":8080",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "custody", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "custody"), nil
}

// readEnvFile reads a .env file without touching the process environment. The
// default ./.env is optional; an explicit path must exist.
func readEnvFile(path string) (map[string]string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return values, nil
}

func applyFileConfig(path string, env *envSource, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "timeout"); err != nil {
		return err
	}
	setString(&settings.LogLevel, cfg.Log.Level)
	setString(&settings.LogFormat, cfg.Log.Format)

	if cfg.Chain.ID != nil {
		settings.ChainID = *cfg.Chain.ID
	}
	setString(&settings.RPCURL, cfg.Chain.RPCURL)

	setString(&settings.CustodialAddress, cfg.Custody.Address)
	if cfg.Custody.DryRun != nil {
		settings.DryRun = *cfg.Custody.DryRun
	}
	setString(&settings.MaxTxValueWei, cfg.Custody.MaxTxValueWei)
	setString(&settings.MaxAutoWrapWei, cfg.Custody.MaxAutoWrapWei)
	if len(cfg.Custody.QuoteProviders) > 0 {
		settings.QuoteProviders = cfg.Custody.QuoteProviders
	}

	setString(&settings.SignerMode, strings.ToLower(cfg.Signer.Mode))
	if cfg.Signer.PrivateKeyEnv != "" {
		settings.PrivateKey = env.get(cfg.Signer.PrivateKeyEnv)
	}
	setString(&settings.PrivateKeyFile, cfg.Signer.PrivateKeyFile)
	setString(&settings.KeystorePath, cfg.Signer.KeystorePath)
	setString(&settings.KeystorePasswordFile, cfg.Signer.KeystorePasswordFile)
	setString(&settings.WebhookURL, cfg.Signer.Webhook.URL)
	setString(&settings.WebhookToken, cfg.Signer.Webhook.Token)
	if cfg.Signer.Webhook.TokenEnv != "" {
		settings.WebhookToken = env.get(cfg.Signer.Webhook.TokenEnv)
	}
	if err := setDuration(&settings.WebhookTimeout, cfg.Signer.Webhook.Timeout, "signer.webhook.timeout"); err != nil {
		return err
	}

	if err := setDuration(&settings.ReceiptInterval, cfg.Receipts.Interval, "receipts.interval"); err != nil {
		return err
	}
	if cfg.Receipts.MaxAttempts != nil {
		settings.ReceiptAttempts = *cfg.Receipts.MaxAttempts
	}

	setString(&settings.IdempotencyBackend, strings.ToLower(cfg.Idempotency.Backend))
	if err := setDuration(&settings.IdempotencyTTL, cfg.Idempotency.TTL, "idempotency.ttl"); err != nil {
		return err
	}
	setString(&settings.RedisAddr, cfg.Idempotency.Redis.Addr)
	if cfg.Idempotency.Redis.PasswordEnv != "" {
		settings.RedisPassword = env.get(cfg.Idempotency.Redis.PasswordEnv)
	}
	if cfg.Idempotency.Redis.DB != nil {
		settings.RedisDB = *cfg.Idempotency.Redis.DB
	}
	if cfg.Idempotency.Redis.TLS != nil {
		settings.RedisTLS = *cfg.Idempotency.Redis.TLS
	}
	setString(&settings.RedisPrefix, cfg.Idempotency.Redis.Prefix)

	setString(&settings.StoreDriver, strings.ToLower(cfg.Store.Driver))
	setString(&settings.StorePath, cfg.Store.Path)
	setString(&settings.StoreLockPath, cfg.Store.LockPath)
	setString(&settings.PostgresDSN, cfg.Store.PostgresDSN)
	if cfg.Store.PostgresDSNEnv != "" {
		settings.PostgresDSN = env.get(cfg.Store.PostgresDSNEnv)
	}

	setString(&settings.ListenAddr, cfg.Server.Listen)
	if cfg.Server.APITokenEnv != "" {
		settings.APIToken = env.get(cfg.Server.APITokenEnv)
	}
	return nil
}

func applyEnv(env *envSource, settings *Settings) {
	env.str(&settings.OutputMode, "CUSTODY_OUTPUT")
	env.duration(&settings.Timeout, "CUSTODY_TIMEOUT")
	env.str(&settings.LogLevel, "CUSTODY_LOG_LEVEL")
	env.str(&settings.LogFormat, "CUSTODY_LOG_FORMAT")

	env.int64(&settings.ChainID, "CUSTODY_CHAIN_ID")
	env.str(&settings.RPCURL, "CUSTODY_RPC_URL")
	env.str(&settings.CustodialAddress, "CUSTODY_ADDRESS")
	env.bool(&settings.DryRun, "CUSTODY_DRY_RUN")
	env.str(&settings.MaxTxValueWei, "CUSTODY_MAX_TX_VALUE_WEI")
	env.str(&settings.MaxAutoWrapWei, "CUSTODY_MAX_AUTO_WRAP_WEI")
	env.list(&settings.QuoteProviders, "CUSTODY_QUOTE_PROVIDERS")

	env.str(&settings.SignerMode, "CUSTODY_SIGNER_MODE")
	env.str(&settings.PrivateKey, "CUSTODY_PRIVATE_KEY")
	env.str(&settings.PrivateKeyFile, "CUSTODY_PRIVATE_KEY_FILE")
	env.str(&settings.KeystorePath, "CUSTODY_KEYSTORE_PATH")
	env.str(&settings.KeystorePassword, "CUSTODY_KEYSTORE_PASSWORD")
	env.str(&settings.KeystorePasswordFile, "CUSTODY_KEYSTORE_PASSWORD_FILE")
	env.str(&settings.WebhookURL, "CUSTODY_WEBHOOK_URL")
	env.str(&settings.WebhookToken, "CUSTODY_WEBHOOK_TOKEN")
	env.duration(&settings.WebhookTimeout, "CUSTODY_WEBHOOK_TIMEOUT")

	env.duration(&settings.ReceiptInterval, "CUSTODY_RECEIPT_INTERVAL")
	env.int(&settings.ReceiptAttempts, "CUSTODY_RECEIPT_ATTEMPTS")

	env.str(&settings.IdempotencyBackend, "CUSTODY_IDEMPOTENCY_BACKEND")
	env.duration(&settings.IdempotencyTTL, "CUSTODY_IDEMPOTENCY_TTL")
	env.str(&settings.RedisAddr, "CUSTODY_REDIS_ADDR")
	env.str(&settings.RedisPassword, "CUSTODY_REDIS_PASSWORD")
	env.int(&settings.RedisDB, "CUSTODY_REDIS_DB")
	env.bool(&settings.RedisTLS, "CUSTODY_REDIS_TLS")
	env.str(&settings.RedisPrefix, "CUSTODY_REDIS_PREFIX")

	env.str(&settings.StoreDriver, "CUSTODY_STORE_DRIVER")
	env.str(&settings.StorePath, "CUSTODY_STORE_PATH")
	env.str(&settings.StoreLockPath, "CUSTODY_STORE_LOCK_PATH")
	env.str(&settings.PostgresDSN, "CUSTODY_POSTGRES_DSN")

	env.str(&settings.ListenAddr, "CUSTODY_LISTEN_ADDR")
	env.str(&settings.APIToken, "CUSTODY_API_TOKEN")

	settings.OutputMode = strings.ToLower(settings.OutputMode)
	settings.SignerMode = strings.ToLower(settings.SignerMode)
	settings.IdempotencyBackend = strings.ToLower(settings.IdempotencyBackend)
	settings.StoreDriver = strings.ToLower(settings.StoreDriver)
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	setString(&settings.LogLevel, flags.LogLevel)
	setString(&settings.LogFormat, flags.LogFormat)
	setString(&settings.RPCURL, flags.RPCURL)
	if flags.DryRun {
		settings.DryRun = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	return nil
}

// Validate checks everything the signing path needs and reports every
// problem at once.
func (s Settings) Validate() error {
	problems := make([]string, 0)
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, ok := registry.LookupChain(s.ChainID); !ok {
		add("chain id %d is not supported (supported: %v)", s.ChainID, registry.SupportedChainIDs())
	}
	if _, err := registry.ResolveRPCURL(s.RPCURL, s.ChainID); err != nil {
		add("rpc url: %v", err)
	}
	if !common.IsHexAddress(strings.TrimSpace(s.CustodialAddress)) {
		add("custodial address (CUSTODY_ADDRESS) must be a hex address")
	}
	if _, err := amount.ParseBaseUnits(s.MaxTxValueWei); err != nil {
		add("max tx value wei %q must be an unsigned integer", s.MaxTxValueWei)
	}
	if _, err := amount.ParseBaseUnits(s.MaxAutoWrapWei); err != nil {
		add("max auto-wrap wei %q must be an unsigned integer", s.MaxAutoWrapWei)
	}

	switch s.SignerMode {
	case SignerLocal:
		sources := 0
		for _, v := range []string{s.PrivateKey, s.PrivateKeyFile, s.KeystorePath} {
			if strings.TrimSpace(v) != "" {
				sources++
			}
		}
		if sources != 1 {
			add("local signer needs exactly one of CUSTODY_PRIVATE_KEY, CUSTODY_PRIVATE_KEY_FILE, CUSTODY_KEYSTORE_PATH (got %d)", sources)
		}
		if strings.TrimSpace(s.KeystorePath) != "" && s.KeystorePassword == "" && strings.TrimSpace(s.KeystorePasswordFile) == "" {
			add("keystore signer requires a keystore password or password file")
		}
	case SignerWebhook:
		if strings.TrimSpace(s.WebhookURL) == "" {
			add("webhook signer requires CUSTODY_WEBHOOK_URL")
		}
		if strings.TrimSpace(s.WebhookToken) == "" {
			add("webhook signer requires CUSTODY_WEBHOOK_TOKEN")
		}
		if strings.TrimSpace(s.PrivateKey) != "" || strings.TrimSpace(s.PrivateKeyFile) != "" {
			add("private key material must not be configured in webhook mode")
		}
	default:
		add("signer mode %q must be %s or %s", s.SignerMode, SignerLocal, SignerWebhook)
	}

	if s.ReceiptInterval <= 0 {
		add("receipt interval must be > 0")
	}
	if s.ReceiptAttempts <= 0 {
		add("receipt attempts must be > 0")
	}
	if s.IdempotencyTTL <= 0 {
		add("idempotency ttl must be > 0")
	}
	switch s.IdempotencyBackend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(s.RedisAddr) == "" {
			add("redis idempotency backend requires CUSTODY_REDIS_ADDR")
		}
	default:
		add("idempotency backend %q must be %s or %s", s.IdempotencyBackend, BackendMemory, BackendRedis)
	}
	problems = append(problems, s.storeProblems()...)

	if len(problems) > 0 {
		return clierr.New(clierr.CodeConfigInvalid, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// ValidateStore checks only what opening the trade store needs.
func (s Settings) ValidateStore() error {
	if problems := s.storeProblems(); len(problems) > 0 {
		return clierr.New(clierr.CodeConfigInvalid, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

func (s Settings) storeProblems() []string {
	switch s.StoreDriver {
	case DriverSQLite:
		if strings.TrimSpace(s.StorePath) == "" || strings.TrimSpace(s.StoreLockPath) == "" {
			return []string{"sqlite store requires a path and a lock path"}
		}
	case DriverPostgres:
		if strings.TrimSpace(s.PostgresDSN) == "" {
			return []string{"postgres store requires CUSTODY_POSTGRES_DSN"}
		}
	default:
		return []string{fmt.Sprintf("store driver %q must be %s or %s", s.StoreDriver, DriverSQLite, DriverPostgres)}
	}
	return nil
}

// MaxTxValue returns the parsed value cap. Call after Validate.
func (s Settings) MaxTxValue() *big.Int {
	v, err := amount.ParseBaseUnits(s.MaxTxValueWei)
	if err != nil {
		return big.NewInt(0)
	}
	return v
}

// MaxAutoWrap returns the parsed auto-wrap cap. Call after Validate.
func (s Settings) MaxAutoWrap() *big.Int {
	v, err := amount.ParseBaseUnits(s.MaxAutoWrapWei)
	if err != nil {
		return big.NewInt(0)
	}
	return v
}

// envSource reads the process environment first, then the .env file.
type envSource struct {
	dotenv   map[string]string
	problems []string
}

func newEnvSource(dotenv map[string]string) *envSource {
	return &envSource{dotenv: dotenv}
}

func (e *envSource) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	if v, ok := e.dotenv[key]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (e *envSource) get(key string) string {
	v, _ := e.lookup(key)
	return v
}

func (e *envSource) str(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envSource) list(dst *[]string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = splitList(v)
	}
}

func (e *envSource) int(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			e.problems = append(e.problems, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}
}

func (e *envSource) int64(dst *int64, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			e.problems = append(e.problems, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}
}

func (e *envSource) bool(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			e.problems = append(e.problems, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = b
	}
}

func (e *envSource) duration(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			e.problems = append(e.problems, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = d
	}
}

func (e *envSource) err() error {
	if len(e.problems) == 0 {
		return nil
	}
	return clierr.New(clierr.CodeConfigInvalid, "invalid environment: "+strings.Join(e.problems, "; "))
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, raw, field string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

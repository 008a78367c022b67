package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	RPC        RPCConfig        `mapstructure:"rpc"`
	Signer     SignerConfig     `mapstructure:"signer"`
	Jupiter    JupiterConfig    `mapstructure:"jupiter"`
	Launchpad  LaunchpadConfig  `mapstructure:"launchpad"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Blockchain BlockchainConfig `mapstructure:"blockchain"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
}

type RPCConfig struct {
	PrimaryURL        string `mapstructure:"primary_url"`
	PrimaryAPIKeyEnv  string `mapstructure:"primary_api_key_env"`
	FallbackURL       string `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string `mapstructure:"fallback_api_key_env"`
	WebsocketURL      string `mapstructure:"websocket_url"`
}

type SignerConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	AppIDEnv   string `mapstructure:"app_id_env"`
	SecretEnv  string `mapstructure:"secret_env"`
	AuthKeyEnv string `mapstructure:"auth_key_env"`
}

type JupiterConfig struct {
	SwapAPIURL             string `mapstructure:"swap_api_url"`
	APIKeysEnv             string `mapstructure:"api_keys_env"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	MaxPriorityFeeLamports uint64 `mapstructure:"max_priority_fee_lamports"`
}

type LaunchpadConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKeyEnv      string `mapstructure:"api_key_env"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type PricingConfig struct {
	PriceAPIURL       string `mapstructure:"price_api_url"`
	PriceTTLSeconds   int    `mapstructure:"price_ttl_seconds"`
	BalanceTTLSeconds int    `mapstructure:"balance_ttl_seconds"`
}

type WalletConfig struct {
	PlatformKeyEnv    string `mapstructure:"platform_key_env"`
	PlatformOpsWallet string `mapstructure:"platform_ops_wallet"`
}

type JobsConfig struct {
	FlywheelIntervalSeconds  int `mapstructure:"flywheel_interval_seconds"`
	TurboIntervalSeconds     int `mapstructure:"turbo_interval_seconds"`
	ClaimIntervalSeconds     int `mapstructure:"claim_interval_seconds"`
	MonitorIntervalSeconds   int `mapstructure:"monitor_interval_seconds"`
	RefresherIntervalSeconds int `mapstructure:"refresher_interval_seconds"`
	InterTokenDelayMs        int `mapstructure:"inter_token_delay_ms"`
}

type BlockchainConfig struct {
	BlockhashRefreshMs  int `mapstructure:"blockhash_refresh_ms"`
	BlockhashTTLSeconds int `mapstructure:"blockhash_ttl_seconds"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type ServerConfig struct {
	ListenHost   string   `mapstructure:"listen_host"`
	ListenPort   int      `mapstructure:"listen_port"`
	AdminPubkeys []string `mapstructure:"admin_pubkeys"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("rpc.primary_api_key_env", "RPC_API_KEY")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.fallback_api_key_env", "RPC_FALLBACK_API_KEY")
	v.SetDefault("signer.app_id_env", "SIGNER_APP_ID")
	v.SetDefault("signer.secret_env", "SIGNER_APP_SECRET")
	v.SetDefault("signer.auth_key_env", "SIGNER_AUTH_KEY")
	v.SetDefault("jupiter.swap_api_url", "https://api.jup.ag/swap/v1")
	v.SetDefault("jupiter.api_keys_env", "JUPITER_API_KEYS")
	v.SetDefault("jupiter.timeout_seconds", 10)
	v.SetDefault("jupiter.max_priority_fee_lamports", 1_250_000)
	v.SetDefault("launchpad.api_key_env", "LAUNCHPAD_API_KEY")
	v.SetDefault("launchpad.timeout_seconds", 15)
	v.SetDefault("pricing.price_ttl_seconds", 300)
	v.SetDefault("pricing.balance_ttl_seconds", 20)
	v.SetDefault("wallet.platform_key_env", "PLATFORM_WALLET_KEY")
	v.SetDefault("jobs.flywheel_interval_seconds", 60)
	v.SetDefault("jobs.turbo_interval_seconds", 5)
	v.SetDefault("jobs.claim_interval_seconds", 30)
	v.SetDefault("jobs.monitor_interval_seconds", 30)
	v.SetDefault("jobs.refresher_interval_seconds", 60)
	v.SetDefault("jobs.inter_token_delay_ms", 0)
	v.SetDefault("blockchain.blockhash_refresh_ms", 1000)
	v.SetDefault("blockchain.blockhash_ttl_seconds", 30)
	v.SetDefault("storage.sqlite_path", "./data/flywheel.db")
	v.SetDefault("server.listen_host", "0.0.0.0")
	v.SetDefault("server.listen_port", 8080)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// PlatformWalletKey loads the platform self-trade key from the environment.
// Empty means no local signing path.
func (m *Manager) PlatformWalletKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PlatformKeyEnv)
}

// SignerCredentials loads the remote signer credentials from the environment
func (m *Manager) SignerCredentials() (appID, secret, authKey string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Signer.AppIDEnv),
		os.Getenv(m.config.Signer.SecretEnv),
		os.Getenv(m.config.Signer.AuthKeyEnv)
}

// JupiterAPIKeys loads the comma-separated rotation keys from the environment
func (m *Manager) JupiterAPIKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw := os.Getenv(m.config.Jupiter.APIKeysEnv)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// LaunchpadAPIKey loads the launchpad key from the environment
func (m *Manager) LaunchpadAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Launchpad.APIKeyEnv)
}

// PrimaryRPCURL returns the primary RPC URL with its API key injected
func (m *Manager) PrimaryRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.RPC.PrimaryURL, os.Getenv(m.config.RPC.PrimaryAPIKeyEnv))
}

// FallbackRPCURL returns the fallback RPC URL with its API key injected
func (m *Manager) FallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.FallbackURL
	key := os.Getenv(m.config.RPC.FallbackAPIKeyEnv)
	if key == "" {
		return url
	}

	// Helius spells the parameter differently
	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}
	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}

// WebsocketURL returns the subscription endpoint with its API key injected
func (m *Manager) WebsocketURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.RPC.WebsocketURL, os.Getenv(m.config.RPC.PrimaryAPIKeyEnv))
}

func injectKey(url, key string) string {
	if key == "" || url == "" {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// BlockhashRefresh returns the blockhash refresh interval
func (m *Manager) BlockhashRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BlockhashRefreshMs) * time.Millisecond
}

// BlockhashTTL returns how long a cached blockhash is served
func (m *Manager) BlockhashTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BlockhashTTLSeconds) * time.Second
}

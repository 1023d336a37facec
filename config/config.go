// Package config holds the relayer configuration. It is read from a YAML
// file, overridden by RELAYER_* environment variables and finally by the
// command line flags.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/events"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/stacks"
	"github.com/vocdoni/stx-mixer-relayer/storage"
	"github.com/vocdoni/stx-mixer-relayer/types"
	"gopkg.in/yaml.v3"
)

// DriverPostgres selects the storage/postgres leaf store.
const DriverPostgres = "postgres"

// ErrInvalidConfig is wrapped by every Validate error.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	API      APIConfig      `yaml:"api"`
	Chain    ChainConfig    `yaml:"chain"`
	Contract ContractConfig `yaml:"contract"`
	Relayer  RelayerConfig  `yaml:"relayer"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Storage  StorageConfig  `yaml:"storage"`
	Events   EventsConfig   `yaml:"events"`
	Circuit  CircuitConfig  `yaml:"circuit"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

type ChainConfig struct {
	Network string        `yaml:"network"`
	APIURL  string        `yaml:"apiUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type ContractConfig struct {
	// Mixer is the contract principal, ADDRESS.name.
	Mixer string `yaml:"mixer"`
	// Token is passed as the last withdraw argument when set.
	Token               string `yaml:"token"`
	WithdrawFunction    string `yaml:"withdrawFunction"`
	UpdateRootFunction  string `yaml:"updateRootFunction"`
	CurrentRootFunction string `yaml:"currentRootFunction"`
}

type RelayerConfig struct {
	// Key is the hex private key, or a reference resolved by the secrets
	// package (env:NAME, aws:SECRET_ID).
	Key           string        `yaml:"key"`
	Fee           uint64        `yaml:"fee"`
	SubmitTimeout time.Duration `yaml:"submitTimeout"`
}

type IndexerConfig struct {
	Disabled     bool          `yaml:"disabled"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PageSize     int           `yaml:"pageSize"`
	MaxPages     int           `yaml:"maxPages"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DataDir     string `yaml:"dataDir"`
	PostgresDSN string `yaml:"postgresDsn"`
}

type EventsConfig struct {
	Driver      string   `yaml:"driver"`
	Brokers     []string `yaml:"brokers"`
	NATSURL     string   `yaml:"natsUrl"`
	TopicPrefix string   `yaml:"topicPrefix"`
}

type CircuitConfig struct {
	Depth               int           `yaml:"depth"`
	VerificationKey     string        `yaml:"verificationKey"`
	VerificationKeyURL  string        `yaml:"verificationKeyUrl"`
	VerificationKeyHash string        `yaml:"verificationKeyHash"`
	ArtifactsDir        string        `yaml:"artifactsDir"`
	VerifyTimeout       time.Duration `yaml:"verifyTimeout"`
	// RecipientSignal and AmountSignal index the public signals bound to the
	// withdrawal recipient and amount. AmountSignal -1 disables the amount
	// binding.
	RecipientSignal int `yaml:"recipientSignal"`
	AmountSignal    int `yaml:"amountSignal"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Output    string `yaml:"output"`
	ErrorFile string `yaml:"errorFile"`
}

// Default returns the configuration used for the values missing in the file.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3001,
		},
		Chain: ChainConfig{
			Network: stacks.Testnet.Name,
			Timeout: 20 * time.Second,
			Retries: 3,
		},
		Contract: ContractConfig{
			WithdrawFunction:    stacks.DefaultWithdrawFunction,
			UpdateRootFunction:  stacks.DefaultUpdateRootFunction,
			CurrentRootFunction: stacks.DefaultCurrentRootFunction,
		},
		Relayer: RelayerConfig{
			Fee:           10000,
			SubmitTimeout: 20 * time.Second,
		},
		Indexer: IndexerConfig{
			PollInterval: 30 * time.Second,
			PageSize:     50,
		},
		Storage: StorageConfig{
			Driver:  storage.DriverPebble,
			DataDir: "data",
		},
		Events: EventsConfig{
			Driver: events.DriverNone,
		},
		Circuit: CircuitConfig{
			Depth:           types.TreeDepth,
			VerifyTimeout:   10 * time.Second,
			RecipientSignal: 2,
			AmountSignal:    3,
		},
		Log: LogConfig{
			Level:  log.LogLevelInfo,
			Output: "stdout",
		},
	}
}

// Load reads the file at path over the defaults and applies the environment
// overrides. An empty path only uses defaults and environment. The result is
// not validated, the caller applies its own overrides first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideFromEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = events.SplitList([]string{v})
		}
	}

	str("RELAYER_API_HOST", &cfg.API.Host)
	integer("RELAYER_API_PORT", &cfg.API.Port)
	list("RELAYER_API_CORS_ORIGINS", &cfg.API.CORSOrigins)
	str("RELAYER_CHAIN_NETWORK", &cfg.Chain.Network)
	str("RELAYER_CHAIN_API_URL", &cfg.Chain.APIURL)
	str("RELAYER_CHAIN_API_KEY", &cfg.Chain.APIKey)
	duration("RELAYER_CHAIN_TIMEOUT", &cfg.Chain.Timeout)
	str("RELAYER_CONTRACT", &cfg.Contract.Mixer)
	str("RELAYER_TOKEN_CONTRACT", &cfg.Contract.Token)
	str("RELAYER_KEY", &cfg.Relayer.Key)
	if v := strings.TrimSpace(os.Getenv("RELAYER_FEE")); v != "" {
		fee, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAYER_FEE: %w", err))
		} else {
			cfg.Relayer.Fee = fee
		}
	}
	duration("RELAYER_POLL_INTERVAL", &cfg.Indexer.PollInterval)
	str("RELAYER_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("RELAYER_DATA_DIR", &cfg.Storage.DataDir)
	str("RELAYER_PG_DSN", &cfg.Storage.PostgresDSN)
	str("RELAYER_EVENTS_DRIVER", &cfg.Events.Driver)
	list("RELAYER_EVENTS_BROKERS", &cfg.Events.Brokers)
	str("RELAYER_EVENTS_NATS_URL", &cfg.Events.NATSURL)
	str("RELAYER_VKEY", &cfg.Circuit.VerificationKey)
	str("RELAYER_VKEY_URL", &cfg.Circuit.VerificationKeyURL)
	str("RELAYER_VKEY_HASH", &cfg.Circuit.VerificationKeyHash)
	str("RELAYER_LOG_LEVEL", &cfg.Log.Level)
	str("RELAYER_LOG_OUTPUT", &cfg.Log.Output)
	return errors.Join(errs...)
}

// Network returns the configured Stacks network.
func (c *Config) Network() (stacks.Network, error) {
	return stacks.NetworkByName(c.Chain.Network)
}

// APIURL returns the Stacks API endpoint, the network default if unset.
func (c *Config) APIURL() string {
	if c.Chain.APIURL != "" {
		return c.Chain.APIURL
	}
	n, err := c.Network()
	if err != nil {
		return ""
	}
	return n.DefaultAPIURL
}

// Validate checks the configuration. It does not resolve the relayer key.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		invalid("api.port %d out of range", c.API.Port)
	}
	network, err := c.Network()
	if err != nil {
		invalid("chain.network: %v", err)
	}
	if c.Chain.Timeout <= 0 {
		invalid("chain.timeout must be positive")
	}

	if c.Contract.Mixer == "" {
		invalid("contract.mixer is required")
	} else if p, err := stacks.ParsePrincipal(c.Contract.Mixer); err != nil || !p.IsContract() {
		invalid("contract.mixer %q is not a contract principal", c.Contract.Mixer)
	} else if network.Name != "" && p.IsMainnet() != (network.AddressVersion == stacks.Mainnet.AddressVersion) {
		invalid("contract.mixer %q does not belong to %s", c.Contract.Mixer, network.Name)
	}
	if c.Contract.Token != "" {
		if p, err := stacks.ParsePrincipal(c.Contract.Token); err != nil || !p.IsContract() {
			invalid("contract.token %q is not a contract principal", c.Contract.Token)
		}
	}

	if c.Relayer.Key == "" {
		invalid("relayer.key is required")
	}
	if c.Relayer.Fee == 0 {
		invalid("relayer.fee must be positive")
	}

	if !c.Indexer.Disabled && c.Indexer.PollInterval < time.Second {
		invalid("indexer.pollInterval must be at least 1s")
	}
	if c.Indexer.PageSize < 0 || c.Indexer.PageSize > 50 {
		invalid("indexer.pageSize must be between 1 and 50")
	}

	switch c.Storage.Driver {
	case storage.DriverPebble:
		if c.Storage.DataDir == "" {
			invalid("storage.dataDir is required by the pebble driver")
		}
	case storage.DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			invalid("storage.postgresDsn is required by the postgres driver")
		}
	default:
		invalid("unknown storage.driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(c.Events.Driver) {
	case events.DriverNone, "", events.DriverStdio:
	case events.DriverKafka:
		if len(events.SplitList(c.Events.Brokers)) == 0 {
			invalid("events.brokers is required by the kafka driver")
		}
	case events.DriverNATS:
		if c.Events.NATSURL == "" {
			invalid("events.natsUrl is required by the nats driver")
		}
	default:
		invalid("unknown events.driver %q", c.Events.Driver)
	}

	if c.Circuit.Depth <= 0 || c.Circuit.Depth > 32 {
		invalid("circuit.depth %d out of range", c.Circuit.Depth)
	}
	if c.Circuit.VerificationKeyHash != "" {
		if b, err := hex.DecodeString(strings.TrimPrefix(c.Circuit.VerificationKeyHash, "0x")); err != nil || len(b) != 32 {
			invalid("circuit.verificationKeyHash must be a sha256 hex digest")
		}
	}
	if c.Circuit.RecipientSignal < 2 {
		invalid("circuit.recipientSignal %d overlaps root or nullifier", c.Circuit.RecipientSignal)
	}
	if (c.Circuit.AmountSignal < 2 && c.Circuit.AmountSignal != -1) || c.Circuit.AmountSignal == c.Circuit.RecipientSignal {
		invalid("circuit.amountSignal %d is not a free signal index", c.Circuit.AmountSignal)
	}
	if c.Circuit.VerificationKeyURL != "" && c.Circuit.VerificationKeyHash == "" {
		invalid("circuit.verificationKeyHash is required with a remote verification key")
	}

	switch c.Log.Level {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		invalid("unknown log.level %q", c.Log.Level)
	}
	return errors.Join(errs...)
}

// VerificationKeyHash returns the decoded verification key hash, nil if unset.
func (c *Config) VerificationKeyHash() []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(c.Circuit.VerificationKeyHash, "0x"))
	if err != nil || len(b) == 0 {
		return nil
	}
	return b
}

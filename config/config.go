// Package config holds the full configuration of the anchoring process,
// with defaults, YAML file loading, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invanchor/invanchor/chain"
	"github.com/invanchor/invanchor/ipfs"
	"github.com/invanchor/invanchor/pipeline"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "15m" as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration, structured by subsystem.
type Config struct {
	// Name identifies this worker in logs.
	Name string `yaml:"name"`
	// LogLevel controls verbosity (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`

	DB       DBConfig       `yaml:"db"`
	HTTP     HTTPConfig     `yaml:"http"`
	IPFS     IPFSConfig     `yaml:"ipfs"`
	Chain    ChainConfig    `yaml:"chain"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// DBConfig holds PostgreSQL settings.
type DBConfig struct {
	// DSN is the lib/pq connection string.
	DSN string `yaml:"dsn"`
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"maxOpenConns"`
}

// HTTPConfig holds the control-surface listener settings.
type HTTPConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8080". Empty disables
	// the HTTP server.
	Addr string `yaml:"addr"`
}

// IPFSConfig holds pinning-service settings.
type IPFSConfig struct {
	APIURL        string   `yaml:"apiUrl"`
	GatewayURL    string   `yaml:"gatewayUrl"`
	JWT           string   `yaml:"jwt"`
	RatePerMinute int      `yaml:"ratePerMinute"`
	Timeout       Duration `yaml:"timeout"`
	MaxRetries    int      `yaml:"maxRetries"`
	RetryBase     Duration `yaml:"retryBase"`
}

// ChainConfig holds EVM client settings.
type ChainConfig struct {
	RPCURL          string   `yaml:"rpcUrl"`
	ContractAddress string   `yaml:"contractAddress"`
	PrivateKey      string   `yaml:"privateKey"`
	ChainID         int64    `yaml:"chainId"`
	MaxGasPrice     uint64   `yaml:"maxGasPrice"`
	Confirmations   uint64   `yaml:"confirmations"`
	MaxRetries      int      `yaml:"maxRetries"`
	RetryBase       Duration `yaml:"retryBase"`
}

// JobsConfig holds per-job tuning.
type JobsConfig struct {
	Upload UploadConfig `yaml:"upload"`
	Batch  BatchConfig  `yaml:"batch"`
	Submit SubmitConfig `yaml:"submit"`
	Poller PollerConfig `yaml:"poller"`
}

// UploadConfig tunes the upload job.
type UploadConfig struct {
	MaxPerRun       int      `yaml:"maxPerRun"`
	Concurrency     int      `yaml:"concurrency"`
	Quiescence      Duration `yaml:"quiescence"`
	StaleClaimAfter Duration `yaml:"staleClaimAfter"`
}

// BatchConfig tunes the batch job.
type BatchConfig struct {
	BatchSize     int `yaml:"batchSize"`
	BatchesPerRun int `yaml:"batchesPerRun"`
}

// SubmitConfig tunes the submit job.
type SubmitConfig struct {
	MaxPerRun int      `yaml:"maxPerRun"`
	SendPause Duration `yaml:"sendPause"`
}

// PollerConfig tunes the confirmation poller.
type PollerConfig struct {
	Confirmations  uint64   `yaml:"confirmations"`
	PendingTimeout Duration `yaml:"pendingTimeout"`
	FinalizeAfter  Duration `yaml:"finalizeAfter"`
	// RegisterInvoices enables the best-effort per-invoice on-chain
	// indexing call after confirmation.
	RegisterInvoices bool `yaml:"registerInvoices"`
}

// ScheduleConfig holds the job cron expressions.
type ScheduleConfig struct {
	Upload string `yaml:"upload"`
	Batch  string `yaml:"batch"`
	Submit string `yaml:"submit"`
}

// DefaultConfig returns a Config with sensible defaults. The DSN, contract
// address, and credentials must be supplied by file or flags.
func DefaultConfig() Config {
	ic := ipfs.DefaultConfig()
	cc := chain.DefaultConfig()
	uc := pipeline.DefaultUploadConfig()
	bc := pipeline.DefaultBatchConfig()
	sc := pipeline.DefaultSubmitConfig()
	pc := pipeline.DefaultPollerConfig()
	sch := pipeline.DefaultScheduleConfig()
	return Config{
		Name:     "invanchor",
		LogLevel: "info",
		DB:       DBConfig{MaxOpenConns: 8},
		HTTP:     HTTPConfig{Addr: "127.0.0.1:8080"},
		IPFS: IPFSConfig{
			APIURL:        ic.APIURL,
			GatewayURL:    ic.GatewayURL,
			RatePerMinute: ic.RatePerMinute,
			Timeout:       Duration(ic.Timeout),
			MaxRetries:    ic.MaxRetries,
			RetryBase:     Duration(ic.RetryBase),
		},
		Chain: ChainConfig{
			ChainID:       1,
			Confirmations: cc.Confirmations,
			MaxRetries:    cc.MaxRetries,
			RetryBase:     Duration(cc.RetryBase),
		},
		Jobs: JobsConfig{
			Upload: UploadConfig{
				MaxPerRun:       uc.MaxPerRun,
				Concurrency:     uc.Concurrency,
				Quiescence:      Duration(uc.Quiescence),
				StaleClaimAfter: Duration(uc.StaleClaimAfter),
			},
			Batch: BatchConfig{
				BatchSize:     bc.BatchSize,
				BatchesPerRun: bc.BatchesPerRun,
			},
			Submit: SubmitConfig{
				MaxPerRun: sc.MaxPerRun,
				SendPause: Duration(sc.SendPause),
			},
			Poller: PollerConfig{
				Confirmations:  pc.Confirmations,
				PendingTimeout: Duration(pc.PendingTimeout),
				FinalizeAfter:  Duration(pc.FinalizeAfter),
			},
		},
		Schedule: ScheduleConfig{
			Upload: sch.Upload,
			Batch:  sch.Batch,
			Submit: sch.Submit,
		},
	}
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.DB.DSN == "" {
		return errors.New("config: db.dsn must not be empty")
	}
	if c.DB.MaxOpenConns < 0 {
		return fmt.Errorf("config: invalid db.maxOpenConns: %d", c.DB.MaxOpenConns)
	}
	if c.IPFS.APIURL == "" || c.IPFS.GatewayURL == "" {
		return errors.New("config: ipfs endpoints must not be empty")
	}
	if c.IPFS.RatePerMinute <= 0 {
		return fmt.Errorf("config: invalid ipfs.ratePerMinute: %d", c.IPFS.RatePerMinute)
	}
	if c.Chain.RPCURL == "" {
		return errors.New("config: chain.rpcUrl must not be empty")
	}
	if c.Chain.ContractAddress == "" {
		return errors.New("config: chain.contractAddress must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("config: invalid chain.chainId: %d", c.Chain.ChainID)
	}
	if c.Jobs.Upload.MaxPerRun <= 0 || c.Jobs.Upload.Concurrency <= 0 {
		return errors.New("config: jobs.upload limits must be positive")
	}
	if c.Jobs.Batch.BatchSize <= 0 || c.Jobs.Batch.BatchesPerRun <= 0 {
		return errors.New("config: jobs.batch limits must be positive")
	}
	if c.Jobs.Submit.MaxPerRun <= 0 {
		return errors.New("config: jobs.submit.maxPerRun must be positive")
	}
	if c.Jobs.Poller.Confirmations == 0 {
		return errors.New("config: jobs.poller.confirmations must be positive")
	}
	return nil
}

// IPFSClientConfig converts to the ipfs package config.
func (c *Config) IPFSClientConfig() ipfs.Config {
	return ipfs.Config{
		APIURL:        c.IPFS.APIURL,
		GatewayURL:    c.IPFS.GatewayURL,
		JWT:           c.IPFS.JWT,
		RatePerMinute: c.IPFS.RatePerMinute,
		Timeout:       c.IPFS.Timeout.Std(),
		MaxRetries:    c.IPFS.MaxRetries,
		RetryBase:     c.IPFS.RetryBase.Std(),
	}
}

// ChainClientConfig converts to the chain package config.
func (c *Config) ChainClientConfig() chain.Config {
	return chain.Config{
		RPCURL:          c.Chain.RPCURL,
		ContractAddress: c.Chain.ContractAddress,
		PrivateKey:      c.Chain.PrivateKey,
		ChainID:         c.Chain.ChainID,
		MaxGasPrice:     c.Chain.MaxGasPrice,
		Confirmations:   c.Chain.Confirmations,
		MaxRetries:      c.Chain.MaxRetries,
		RetryBase:       c.Chain.RetryBase.Std(),
	}
}

// PipelineConfigs converts the job sections to the pipeline configs.
func (c *Config) PipelineConfigs() (pipeline.UploadConfig, pipeline.BatchConfig, pipeline.SubmitConfig, pipeline.PollerConfig, pipeline.ScheduleConfig) {
	return pipeline.UploadConfig{
			MaxPerRun:       c.Jobs.Upload.MaxPerRun,
			Concurrency:     c.Jobs.Upload.Concurrency,
			Quiescence:      c.Jobs.Upload.Quiescence.Std(),
			StaleClaimAfter: c.Jobs.Upload.StaleClaimAfter.Std(),
		}, pipeline.BatchConfig{
			BatchSize:     c.Jobs.Batch.BatchSize,
			BatchesPerRun: c.Jobs.Batch.BatchesPerRun,
		}, pipeline.SubmitConfig{
			MaxPerRun: c.Jobs.Submit.MaxPerRun,
			SendPause: c.Jobs.Submit.SendPause.Std(),
		}, pipeline.PollerConfig{
			Confirmations:  c.Jobs.Poller.Confirmations,
			PendingTimeout: c.Jobs.Poller.PendingTimeout.Std(),
			FinalizeAfter:  c.Jobs.Poller.FinalizeAfter.Std(),
		}, pipeline.ScheduleConfig{
			Upload: c.Schedule.Upload,
			Batch:  c.Schedule.Batch,
			Submit: c.Schedule.Submit,
		}
}

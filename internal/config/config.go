package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// CloudType selects the provider adapter (discriminated union tag)
type CloudType string

const (
	CloudGCE    CloudType = "gce"
	CloudEC2    CloudType = "ec2"
	CloudYandex CloudType = "yandex"
	CloudFake   CloudType = "fake"
)

// StateBackend selects where instance state records are kept
type StateBackend string

const (
	StateBackendFile StateBackend = "file"
	StateBackendEtcd StateBackend = "etcd"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is set.
const DefaultPath = "cislave.yaml"

// Config contains application configuration
type Config struct {
	Cloud CloudType `yaml:"cloud"`

	// Settings shared by every provider
	MachineType    string `yaml:"machine_type"`
	Username       string `yaml:"username"`
	PublicKeyFile  string `yaml:"public_key_filename"`
	PrivateKeyFile string `yaml:"private_key_filename"`
	DiskSizeGB     int64  `yaml:"disk_size_gb"`
	DefaultZone    string `yaml:"default_zone"`

	Distributions map[Distribution]DistributionConfig `yaml:"distributions"`

	// Provider specific sections, only the one matching Cloud is used
	GCE    *GCEConfig    `yaml:"gce,omitempty"`
	EC2    *EC2Config    `yaml:"ec2,omitempty"`
	Yandex *YandexConfig `yaml:"yandex,omitempty"`

	State  StateConfig  `yaml:"state"`
	SSH    SSHConfig    `yaml:"ssh"`
	Poller PollerConfig `yaml:"poller"`
	Build  BuildConfig  `yaml:"build"`
}

// GCEConfig holds Google Compute Engine credentials and placement
type GCEConfig struct {
	CredentialsEmail      string `yaml:"credentials_email"`
	CredentialsPrivateKey string `yaml:"credentials_private_key"`
	Project               string `yaml:"project"`
	Network               string `yaml:"network"`
	Endpoint              string `yaml:"endpoint,omitempty"`
	HTTPRetries           int    `yaml:"http_retries"`
}

// EC2Config holds AWS credentials and placement
type EC2Config struct {
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	Region          string   `yaml:"region"`
	Account         string   `yaml:"account"`
	SecurityGroups  []string `yaml:"security_groups,omitempty"`
	SubnetID        string   `yaml:"subnet_id,omitempty"`
	Endpoint        string   `yaml:"endpoint,omitempty"`
}

// YandexConfig holds Yandex Cloud credentials and VM sizing
type YandexConfig struct {
	IAMToken string `yaml:"iam_token"`
	FolderID string `yaml:"folder_id"`
	Cores    int64  `yaml:"cores"`
	MemoryGB int64  `yaml:"memory_gb"`
}

// StateConfig configures the state store
type StateConfig struct {
	Backend StateBackend `yaml:"backend"`
	Path    string       `yaml:"path"`
	Etcd    EtcdConfig   `yaml:"etcd"`
}

// EtcdConfig configures the etcd state backend
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LockTTL     int           `yaml:"lock_ttl"` // seconds
}

// SSHConfig configures the readiness check and remote commands
type SSHConfig struct {
	Port          int           `yaml:"port"`
	Timeout       time.Duration `yaml:"timeout"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// PollerConfig configures the operation poller
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BuildConfig configures the image build pipeline
type BuildConfig struct {
	ImagePrefix   string            `yaml:"image_prefix"`
	MaxParallel   int               `yaml:"max_parallel"`
	SetupCommands []string          `yaml:"setup_commands"`
	Files         map[string]string `yaml:"files,omitempty"` // remote path -> local path
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	return &Config{
		Username:    "jenkins",
		DiskSizeGB:  10,
		DefaultZone: "us-central1-f",
		State: StateConfig{
			Backend: StateBackendFile,
			Path:    ".state.json",
			Etcd: EtcdConfig{
				Prefix:      "/cislave/state",
				DialTimeout: 5 * time.Second,
				LockTTL:     60,
			},
		},
		SSH: SSHConfig{
			Port:          22,
			Timeout:       5 * time.Minute,
			DialTimeout:   5 * time.Second,
			RetryInterval: 10 * time.Second,
		},
		Poller: PollerConfig{
			Interval: 10 * time.Second,
			Timeout:  5 * time.Minute,
		},
		Build: BuildConfig{
			ImagePrefix: "ci-slave",
			MaxParallel: 2,
		},
	}
}

// Path returns the config path from the CONFIG_PATH environment variable or the default
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load loads configuration from the YAML file at path and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults and validates it
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.expandEnv()
	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) expandEnv() {
	c.PublicKeyFile = os.ExpandEnv(c.PublicKeyFile)
	c.PrivateKeyFile = os.ExpandEnv(c.PrivateKeyFile)
	c.State.Path = os.ExpandEnv(c.State.Path)

	if c.GCE != nil {
		c.GCE.CredentialsEmail = os.ExpandEnv(c.GCE.CredentialsEmail)
		c.GCE.CredentialsPrivateKey = os.ExpandEnv(c.GCE.CredentialsPrivateKey)
		c.GCE.Project = os.ExpandEnv(c.GCE.Project)
	}
	if c.EC2 != nil {
		c.EC2.AccessKeyID = os.ExpandEnv(c.EC2.AccessKeyID)
		c.EC2.SecretAccessKey = os.ExpandEnv(c.EC2.SecretAccessKey)
	}
	if c.Yandex != nil {
		c.Yandex.IAMToken = os.ExpandEnv(c.Yandex.IAMToken)
		c.Yandex.FolderID = os.ExpandEnv(c.Yandex.FolderID)
	}

	for i, cmd := range c.Build.SetupCommands {
		c.Build.SetupCommands[i] = os.ExpandEnv(cmd)
	}
}

func (c *Config) applyEnvOverrides() {
	if c.GCE != nil {
		if project := os.Getenv("GCE_PROJECT"); project != "" {
			c.GCE.Project = project
		}
	}
	if c.EC2 != nil {
		if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
			c.EC2.AccessKeyID = key
		}
		if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
			c.EC2.SecretAccessKey = secret
		}
	}
	if c.Yandex != nil {
		if token := os.Getenv("YC_TOKEN"); token != "" {
			c.Yandex.IAMToken = token
		}
		if folderID := os.Getenv("YC_FOLDER_ID"); folderID != "" {
			c.Yandex.FolderID = folderID
		}
	}
}

// Project returns the provider scope instances are created in: the GCE
// project, the EC2 account label or the Yandex folder.
func (c *Config) Project() string {
	switch c.Cloud {
	case CloudGCE:
		if c.GCE != nil {
			return c.GCE.Project
		}
	case CloudEC2:
		if c.EC2 != nil {
			return c.EC2.Account
		}
	case CloudYandex:
		if c.Yandex != nil {
			return c.Yandex.FolderID
		}
	case CloudFake:
		return "fake-project"
	}
	return ""
}

// Instance projects the configuration onto the fields the instance lifecycle needs
func (c *Config) Instance() InstanceConfig {
	distributions := make(map[Distribution]DistributionConfig, len(c.Distributions))
	for d, dc := range c.Distributions {
		distributions[d] = dc
	}
	return InstanceConfig{
		Cloud:          c.Cloud,
		Project:        c.Project(),
		MachineType:    c.MachineType,
		Username:       c.Username,
		PublicKeyFile:  c.PublicKeyFile,
		PrivateKeyFile: c.PrivateKeyFile,
		DiskSizeGB:     c.DiskSizeGB,
		Distributions:  distributions,
	}
}

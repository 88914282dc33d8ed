package config

import (
	"fmt"
	"sort"
)

// Distribution is the operating system an instance boots
type Distribution string

const (
	Ubuntu1404 Distribution = "ubuntu1404"
	Centos7    Distribution = "centos7"
)

// Distributions lists every supported distribution in a stable order.
func Distributions() []Distribution {
	return []Distribution{Ubuntu1404, Centos7}
}

// ParseDistribution validates a distribution identifier
func ParseDistribution(s string) (Distribution, error) {
	for _, d := range Distributions() {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown distribution %q (supported: %v)", s, Distributions())
}

// DistributionConfig describes how instances of one distribution are built
type DistributionConfig struct {
	Description      string `yaml:"description"`
	InstanceName     string `yaml:"instance_name"`
	BaseImagePrefix  string `yaml:"base_image_prefix"`
	BaseImageProject string `yaml:"base_image_project"`
}

// InstanceConfig is the read-only view of the configuration shared by all
// instances created through one factory.
type InstanceConfig struct {
	Cloud          CloudType
	Project        string
	MachineType    string
	Username       string
	PublicKeyFile  string
	PrivateKeyFile string
	DiskSizeGB     int64
	Distributions  map[Distribution]DistributionConfig
}

// Distribution returns the settings for d
func (c InstanceConfig) Distribution(d Distribution) (DistributionConfig, error) {
	dc, ok := c.Distributions[d]
	if !ok {
		return DistributionConfig{}, &MissingFieldError{Field: "distributions." + string(d)}
	}
	return dc, nil
}

// configured returns the distribution keys present in the config, sorted.
func (c *Config) configured() []string {
	keys := make([]string, 0, len(c.Distributions))
	for d := range c.Distributions {
		keys = append(keys, string(d))
	}
	sort.Strings(keys)
	return keys
}

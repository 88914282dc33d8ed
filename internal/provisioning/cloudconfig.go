package provisioning

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"
)

const cloudConfigHeader = "#cloud-config\n"

type cloudConfigUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

type cloudConfig struct {
	SSHPwAuth bool              `yaml:"ssh_pwauth"`
	Users     []cloudConfigUser `yaml:"users"`
}

// GenerateCloudConfig renders cloud-init user-data that creates the build
// user with passwordless sudo and the given authorized key. Clouds without a
// metadata ssh key field (EC2, Yandex) pass this as user-data.
func GenerateCloudConfig(username, publicKey string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("cloud-config: empty username")
	}

	doc := cloudConfig{
		Users: []cloudConfigUser{
			{
				Name:              username,
				Sudo:              "ALL=(ALL) NOPASSWD:ALL",
				Shell:             "/bin/bash",
				SSHAuthorizedKeys: []string{strings.TrimSpace(publicKey)},
			},
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render cloud-config: %w", err)
	}
	return cloudConfigHeader + string(out), nil
}

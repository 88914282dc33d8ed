package config

import "fmt"

// MissingFieldError reports a required configuration field that is absent or empty
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required config field %q", e.Field)
}

type field struct {
	name  string
	value string
}

func firstMissing(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return &MissingFieldError{Field: f.name}
		}
	}
	return nil
}

// Validate fails on the first missing field, naming it by its YAML path
func (c *Config) Validate() error {
	if c.Cloud == "" {
		return &MissingFieldError{Field: "cloud"}
	}

	if err := firstMissing(
		field{"machine_type", c.MachineType},
		field{"username", c.Username},
		field{"public_key_filename", c.PublicKeyFile},
		field{"private_key_filename", c.PrivateKeyFile},
	); err != nil {
		return err
	}
	if c.DiskSizeGB <= 0 {
		return fmt.Errorf("disk_size_gb must be positive, got %d", c.DiskSizeGB)
	}

	if err := c.validateProvider(); err != nil {
		return err
	}

	for _, key := range c.configured() {
		if _, err := ParseDistribution(key); err != nil {
			return err
		}
	}
	for _, d := range Distributions() {
		dc, ok := c.Distributions[d]
		if !ok {
			return &MissingFieldError{Field: "distributions." + string(d)}
		}
		prefix := "distributions." + string(d) + "."
		if err := firstMissing(
			field{prefix + "description", dc.Description},
			field{prefix + "instance_name", dc.InstanceName},
			field{prefix + "base_image_prefix", dc.BaseImagePrefix},
			field{prefix + "base_image_project", dc.BaseImageProject},
		); err != nil {
			return err
		}
	}

	switch c.State.Backend {
	case StateBackendFile:
	case StateBackendEtcd:
		if len(c.State.Etcd.Endpoints) == 0 {
			return &MissingFieldError{Field: "state.etcd.endpoints"}
		}
	default:
		return fmt.Errorf("unsupported state backend: %s", c.State.Backend)
	}

	if c.Poller.Interval <= 0 || c.Poller.Timeout <= 0 {
		return fmt.Errorf("poller interval and timeout must be positive")
	}
	return nil
}

func (c *Config) validateProvider() error {
	switch c.Cloud {
	case CloudGCE:
		if c.GCE == nil {
			return &MissingFieldError{Field: "gce"}
		}
		return firstMissing(
			field{"gce.credentials_email", c.GCE.CredentialsEmail},
			field{"gce.credentials_private_key", c.GCE.CredentialsPrivateKey},
			field{"gce.project", c.GCE.Project},
		)
	case CloudEC2:
		if c.EC2 == nil {
			return &MissingFieldError{Field: "ec2"}
		}
		return firstMissing(
			field{"ec2.access_key_id", c.EC2.AccessKeyID},
			field{"ec2.secret_access_key", c.EC2.SecretAccessKey},
			field{"ec2.region", c.EC2.Region},
			field{"ec2.account", c.EC2.Account},
		)
	case CloudYandex:
		if c.Yandex == nil {
			return &MissingFieldError{Field: "yandex"}
		}
		if err := firstMissing(
			field{"yandex.iam_token", c.Yandex.IAMToken},
			field{"yandex.folder_id", c.Yandex.FolderID},
		); err != nil {
			return err
		}
		if c.Yandex.Cores <= 0 || c.Yandex.MemoryGB <= 0 {
			return fmt.Errorf("yandex.cores and yandex.memory_gb must be positive")
		}
		return nil
	case CloudFake:
		return nil
	default:
		return fmt.Errorf("unsupported cloud type: %s", c.Cloud)
	}
}

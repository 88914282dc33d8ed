package control

import (
	"context"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Controller runs commands on and copies files to a build slave
type Controller interface {
	// Close closes the connection
	Close() error

	// Run executes a command on the remote host
	Run(ctx context.Context, command string) error

	// WriteFile writes content to a file on the remote host
	WriteFile(remotePath string, content []byte, mode os.FileMode) error

	// Upload copies a local file to the remote host, keeping its mode
	Upload(localPath, remotePath string) error

	// InstanceName returns the name of the instance behind the connection
	InstanceName() string
}

// Config defines configuration for creating controllers
type Config struct {
	Host         string
	Port         int
	User         string
	Signer       ssh.Signer
	DialTimeout  time.Duration
	InstanceName string
}

// NewController creates a new controller based on the config. The host is
// expected to be reachable already (see SSHReadiness).
func NewController(ctx context.Context, config Config) (Controller, error) {
	return NewSSH(ctx, config)
}

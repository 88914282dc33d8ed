package control

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"

	"cislave/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSH is a Controller backed by an SSH connection and an SFTP session
type SSH struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	host         string
	user         string
	instanceName string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose closes a resource and logs any error
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

func clientConfig(user string, signer ssh.Signer, config Config) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // build slaves are fresh VMs with unknown host keys
		Timeout:         config.DialTimeout,
	}
}

func sshAddress(host string, port int) string {
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NewSSH dials the host and opens an SFTP session on the connection
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	if config.Signer == nil {
		return nil, fmt.Errorf("an SSH signer is required")
	}

	dialer := net.Dialer{Timeout: config.DialTimeout}
	addr := sshAddress(config.Host, config.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig(config.User, config.Signer, config))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("host", config.Host),
		zap.String("instance", config.InstanceName))

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &SSH{
		client:       client,
		sftpClient:   sftpClient,
		host:         config.Host,
		user:         config.User,
		instanceName: config.InstanceName,
	}, nil
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// InstanceName returns the instance name
func (s *SSH) InstanceName() string {
	return s.instanceName
}

// Run executes a command on the remote host. Cancelling ctx closes the
// session, which ends the remote command.
func (s *SSH) Run(ctx context.Context, command string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance", s.instanceName))

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return ctx.Err()
	case err = <-done:
	}

	logging.Logger().Info("command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance", s.instanceName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	if err != nil {
		return fmt.Errorf("command %q failed on %s: %w", logging.TruncateN(command, 80), s.instanceName, err)
	}
	return nil
}

// WriteFile writes content to remotePath, creating parent directories
func (s *SSH) WriteFile(remotePath string, content []byte, mode os.FileMode) error {
	if err := s.sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory for %s: %w", remotePath, err)
	}

	file, err := s.sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", file.Close)

	if _, err := file.Write(content); err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := file.Chmod(mode); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)
	}

	logging.Logger().Debug("wrote remote file",
		zap.String("path", remotePath),
		zap.Int("size_bytes", len(content)),
		zap.String("host", s.host))
	return nil
}

// Upload copies a local file to the remote host
func (s *SSH) Upload(localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read local file: %w", err)
	}
	if err := s.WriteFile(remotePath, content, info.Mode().Perm()); err != nil {
		return err
	}

	logging.Logger().Info("file uploaded",
		zap.String("local_path", localPath),
		zap.String("remote_path", remotePath),
		zap.String("instance", s.instanceName))
	return nil
}

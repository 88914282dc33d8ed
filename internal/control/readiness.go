package control

import (
	"context"
	"fmt"
	"net"
	"time"

	"cislave/internal/config"
	"cislave/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSHReadiness waits until an instance accepts SSH logins. It first waits
// for the port to open, then for a successful handshake with the build
// user's key (cloud-init may still be creating the user when sshd is up).
type SSHReadiness struct {
	Port          int
	User          string
	Signer        ssh.Signer // optional; without it only the port is checked
	Timeout       time.Duration
	DialTimeout   time.Duration
	RetryInterval time.Duration
}

// NewSSHReadiness builds a readiness check from the ssh config section
func NewSSHReadiness(cfg config.SSHConfig, user string, signer ssh.Signer) *SSHReadiness {
	return &SSHReadiness{
		Port:          cfg.Port,
		User:          user,
		Signer:        signer,
		Timeout:       cfg.Timeout,
		DialTimeout:   cfg.DialTimeout,
		RetryInterval: cfg.RetryInterval,
	}
}

// WaitReady blocks until host accepts SSH, the timeout passes or ctx ends
func (r *SSHReadiness) WaitReady(ctx context.Context, host string) error {
	addr := sshAddress(host, r.Port)
	deadline := time.Now().Add(r.Timeout)
	attempts := 0

	for {
		attempts++
		err := r.probe(ctx, addr)
		if err == nil {
			logging.Logger().Info("instance accepts SSH",
				zap.String("host", host),
				zap.Int("attempts", attempts))
			return nil
		}

		if !time.Now().Add(r.RetryInterval).Before(deadline) {
			return fmt.Errorf("SSH on %s not available after %v: %w", addr, r.Timeout, err)
		}

		logging.Logger().Debug("waiting for SSH",
			zap.String("host", host),
			zap.Int("attempt", attempts),
			zap.Error(err))

		timer := time.NewTimer(r.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *SSHReadiness) probe(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: r.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if r.Signer == nil {
		if closeErr := conn.Close(); closeErr != nil {
			logging.Logger().Debug("failed to close connection test",
				zap.String("addr", addr),
				zap.Error(closeErr))
		}
		return nil
	}

	if r.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(r.DialTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig(r.User, r.Signer, Config{DialTimeout: r.DialTimeout}))
	if err != nil {
		conn.Close()
		return err
	}
	return ssh.NewClient(c, chans, reqs).Close()
}

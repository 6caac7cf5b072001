package sshexec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/metrics"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	keepaliveInterval  = 60 * time.Second
	healthcheckTimeout = 5 * time.Second
	connectRetryDelay  = 2 * time.Second
)

// Executor owns the SSH path to one compute node: a session to the
// bastion, a direct-tcpip channel through it, and a second SSH session
// to the node negotiated over that channel. An Executor is used by a
// single worker at a time; it is not safe for concurrent use.
type Executor struct {
	nodeID   int
	nodeAddr string
	sshCfg   config.SSHConfig
	remote   config.RemoteConfig

	bastion *ssh.Client
	node    *ssh.Client
	stopKA  chan struct{}

	logger zerolog.Logger
}

// NewExecutor creates an executor for the node. No connection is opened
// until Connect.
func NewExecutor(nodeID int, nodeAddr string, sshCfg config.SSHConfig, remote config.RemoteConfig) *Executor {
	return &Executor{
		nodeID:   nodeID,
		nodeAddr: nodeAddr,
		sshCfg:   sshCfg,
		remote:   remote,
		logger:   log.WithNodeID(nodeID),
	}
}

// Connect establishes the full bastion-then-node handshake, retrying
// the whole sequence with a fixed backoff.
func (e *Executor) Connect() error {
	err := retry.Do(
		e.connectOnce,
		retry.Attempts(uint(e.sshCfg.Retries)),
		retry.Delay(connectRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SSHConnectsTotal.WithLabelValues(strconv.Itoa(e.nodeID), outcome).Inc()
	return err
}

func (e *Executor) connectOnce() error {
	e.Disconnect()

	timeout := time.Duration(e.sshCfg.Timeout) * time.Second

	bastionCfg := &ssh.ClientConfig{
		User:            e.sshCfg.BastionUser,
		Auth:            e.bastionAuth(),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	// Dial the TCP leg ourselves so the OS-level keepalive applies to
	// the bastion socket.
	dialer := net.Dialer{Timeout: timeout, KeepAlive: keepaliveInterval}
	bastionAddr := net.JoinHostPort(e.sshCfg.BastionHost, "22")
	raw, err := dialer.Dial("tcp", bastionAddr)
	if err != nil {
		return fmt.Errorf("bastion dial failed: %w", err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, bastionAddr, bastionCfg)
	if err != nil {
		raw.Close()
		return fmt.Errorf("bastion handshake failed: %w", err)
	}
	e.bastion = ssh.NewClient(conn, chans, reqs)

	// direct-tcpip channel through the bastion to the node's SSH port
	nodeAddr := net.JoinHostPort(e.nodeAddr, strconv.Itoa(e.sshCfg.NodePort))
	tunnel, err := e.bastion.Dial("tcp", nodeAddr)
	if err != nil {
		e.Disconnect()
		return fmt.Errorf("tunnel to node failed: %w", err)
	}

	nodeCfg := &ssh.ClientConfig{
		User:            e.sshCfg.NodeUser,
		Auth:            []ssh.AuthMethod{ssh.Password(e.sshCfg.NodePass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	nconn, nchans, nreqs, err := ssh.NewClientConn(tunnel, nodeAddr, nodeCfg)
	if err != nil {
		tunnel.Close()
		e.Disconnect()
		return fmt.Errorf("node handshake failed: %w", err)
	}
	e.node = ssh.NewClient(nconn, nchans, nreqs)

	e.stopKA = make(chan struct{})
	go e.keepalive(e.bastion, e.stopKA)
	go e.keepalive(e.node, e.stopKA)

	e.logger.Info().Str("node_addr", e.nodeAddr).Msg("SSH session established")
	return nil
}

// bastionAuth prefers an explicit key file, falls back to the default
// key path, and includes the SSH agent when one is available.
func (e *Executor) bastionAuth() []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	keyPath := e.sshCfg.BastionKey
	if keyPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			keyPath = path.Join(home, ".ssh", "id_rsa")
		}
	}
	if keyPath != "" {
		if data, err := os.ReadFile(keyPath); err == nil {
			if signer, err := ssh.ParsePrivateKey(data); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			} else {
				e.logger.Warn().Err(err).Str("key", keyPath).Msg("Failed to parse bastion key")
			}
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	return methods
}

// keepalive sends an application-layer keepalive until stop closes or
// the transport dies.
func (e *Executor) keepalive(client *ssh.Client, stop chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Disconnect tears down both sessions
func (e *Executor) Disconnect() {
	if e.stopKA != nil {
		close(e.stopKA)
		e.stopKA = nil
	}
	if e.node != nil {
		e.node.Close()
		e.node = nil
	}
	if e.bastion != nil {
		e.bastion.Close()
		e.bastion = nil
	}
}

// Healthcheck verifies the node transport answers a trivial echo
// within healthcheckTimeout.
func (e *Executor) Healthcheck() bool {
	if e.node == nil {
		return false
	}

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		session, err := e.node.NewSession()
		if err != nil {
			ch <- result{err: err}
			return
		}
		defer session.Close()
		out, err := session.Output("echo alive")
		ch <- result{out: strings.TrimSpace(string(out)), err: err}
	}()

	select {
	case r := <-ch:
		return r.err == nil && r.out == "alive"
	case <-time.After(healthcheckTimeout):
		return false
	}
}

// EnsureConnected reconnects through the bastion when the transport is
// no longer healthy. Returns nil when a live session is available.
func (e *Executor) EnsureConnected() error {
	if e.Healthcheck() {
		return nil
	}
	e.logger.Warn().Msg("Connection lost, reconnecting")
	metrics.SSHReconnects.WithLabelValues(strconv.Itoa(e.nodeID)).Inc()
	e.Disconnect()
	return e.Connect()
}

// Upload copies a local file to the node over SFTP
func (e *Executor) Upload(localPath, remotePath string) error {
	if e.node == nil {
		return fmt.Errorf("not connected")
	}
	client, err := sftp.NewClient(e.node)
	if err != nil {
		return fmt.Errorf("sftp session failed: %w", err)
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote dir: %w", err)
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

// Exec runs a command on the node synchronously, reading both streams
// to EOF. The exit code is -1 when the command could not run at all.
func (e *Executor) Exec(cmd string) (int, string, string, error) {
	if e.node == nil {
		return -1, "", "", fmt.Errorf("not connected")
	}
	session, err := e.node.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("session failed: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(cmd)
	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitStatus()
		} else {
			return -1, stdout.String(), stderr.String(), err
		}
	}
	return exitCode, stdout.String(), stderr.String(), nil
}

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/chmdznr/psync/internal/config"
	"github.com/chmdznr/psync/pkg/errors"
)

// SSHTransport lists files with a remote `ls` and copies them over SFTP.
type SSHTransport struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// DialSSH connects to the remote host with public key authentication and
// opens an SFTP session on the same connection.
func DialSSH(ctx context.Context, cfg config.Remote) (*SSHTransport, error) {
	clientConfig, err := sshClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.Address()
	dialer := net.Dialer{Timeout: cfg.Timeout.Duration}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.TransportError{Op: "dial", Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, errors.TransportError{Op: "handshake", Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, errors.TransportError{Op: "start sftp", Err: err}
	}

	log.WithFields(log.Fields{
		"host": addr,
		"user": cfg.User,
	}).Info("Connected to remote host")
	return &SSHTransport{client: client, sftp: sftpClient}, nil
}

func sshClientConfig(cfg config.Remote) (*ssh.ClientConfig, error) {
	key, err := afero.ReadFile(fs, cfg.KeyFile)
	if err != nil {
		return nil, errors.ConfigError{Field: "remote.keyFile", Err: err}
	}

	var signer ssh.Signer
	if cfg.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, errors.ConfigError{Field: "remote.keyFile", Err: errors.WithContext(err, "parse private key")}
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout.Duration,
	}, nil
}

func hostKeyCallback(cfg config.Remote) (ssh.HostKeyCallback, error) {
	if cfg.KnownHosts != "" {
		callback, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, errors.ConfigError{Field: "remote.knownHosts", Err: err}
		}
		return callback, nil
	}

	if !cfg.InsecureIgnoreHostKey {
		return nil, errors.ConfigError{
			Field: "remote.knownHosts",
			Err:   errors.New("required unless insecureIgnoreHostKey is set"),
		}
	}
	log.WithField("host", cfg.Host).Warn("Host key verification is disabled. " +
		"Set remote.knownHosts to verify the remote host.")
	return ssh.InsecureIgnoreHostKey(), nil
}

// List runs `ls` for the pattern inside dir. Any output on stderr is treated
// as a failure of the listing, including "no such file" when nothing matches.
func (t *SSHTransport) List(ctx context.Context, dir, pattern string) ([]string, error) {
	if !config.ValidPattern(pattern) {
		return nil, errors.ConfigError{Field: "remote.pattern", Err: fmt.Errorf("unsupported pattern %q", pattern)}
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, errors.TransportError{Op: "open session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(listCommand(dir, pattern))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return nil, errors.TransportError{Op: "list files", Err: errors.New(msg)}
	}
	if err != nil {
		return nil, errors.TransportError{Op: "list files", Err: err}
	}
	return parseListing(stdout.String()), nil
}

func listCommand(dir, pattern string) string {
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		dir = "/"
	}
	return fmt.Sprintf("ls -1 -d -- %s/%s", shellQuote(dir), pattern)
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parseListing(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// Open opens remotePath over SFTP. Losing the connection is a
// TransportError; other failures only concern this file.
func (t *SSHTransport) Open(ctx context.Context, remotePath string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	f, err := t.sftp.Open(remotePath)
	if err != nil {
		return nil, 0, classifySFTPError("open", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, classifySFTPError("stat", err)
	}
	return remoteFile{f}, fi.Size(), nil
}

// Close closes the SFTP session and the SSH connection.
func (t *SSHTransport) Close() error {
	sftpErr := t.sftp.Close()
	sshErr := t.client.Close()
	if sftpErr != nil && !isConnectionLost(sftpErr) {
		return errors.WithContext(sftpErr, "close sftp")
	}
	if sshErr != nil && !errors.Is(sshErr, net.ErrClosed) {
		return errors.WithContext(sshErr, "close ssh")
	}
	return nil
}

type remoteFile struct {
	*sftp.File
}

func (f remoteFile) Read(p []byte) (int, error) {
	n, err := f.File.Read(p)
	if err != nil && err != io.EOF {
		err = classifySFTPError("read", err)
	}
	return n, err
}

func classifySFTPError(op string, err error) error {
	if isConnectionLost(err) {
		return errors.TransportError{Op: op, Err: err}
	}
	return errors.WithContext(err, op)
}

func isConnectionLost(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

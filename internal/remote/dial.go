package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/itsdave-de/frappebr/internal/br"
)

// DialConfig controls authentication and host key checking.
type DialConfig struct {
	KnownHostsPath        string
	IdentityFiles         []string
	UseAgent              bool
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// Dialer opens SSH connections to directory aliases.
type Dialer struct {
	dir    br.HostDirectory
	cfg    DialConfig
	logger br.Logger
}

func NewDialer(dir br.HostDirectory, cfg DialConfig, logger br.Logger) *Dialer {
	if logger == nil {
		logger = br.NewNopLogger()
	}
	return &Dialer{dir: dir, cfg: cfg, logger: logger}
}

// Dial satisfies DialFunc[*Client].
func (d *Dialer) Dial(ctx context.Context, host string) (*Client, error) {
	entry := d.dir.Lookup(host)
	addr := net.JoinHostPort(entry.HostName, strconv.Itoa(entry.Port))

	hostKey, err := d.hostKeyCallback(entry)
	if err != nil {
		return nil, err
	}
	auth, agentConn := d.authMethods(entry)
	if len(auth) == 0 {
		return nil, fmt.Errorf("no usable ssh credentials for %s (agent unavailable, no readable identity files)", host)
	}

	cc := &ssh.ClientConfig{
		User:            entry.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.Timeout,
	}

	nd := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeQuietly(agentConn)
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		conn.Close()
		closeQuietly(agentConn)
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	d.logger.Debug("connected", "host", host, "addr", addr, "user", entry.User)
	return &Client{host: host, ssh: ssh.NewClient(c, chans, reqs), closer: agentConn}, nil
}

// authMethods offers the agent first, then every readable unencrypted key.
func (d *Dialer) authMethods(entry br.HostEntry) ([]ssh.AuthMethod, io.Closer) {
	var methods []ssh.AuthMethod
	var agentConn net.Conn

	if sock := os.Getenv("SSH_AUTH_SOCK"); d.cfg.UseAgent && sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			d.logger.Debug("ssh agent unavailable", "error", err)
		} else {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	var signers []ssh.Signer
	for _, path := range d.identityFiles(entry) {
		pem, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				d.logger.Debug("skipping passphrase-protected key; load it into ssh-agent", "path", path)
			} else {
				d.logger.Warn("skipping unreadable key", "path", path, "error", err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if agentConn == nil {
		return methods, nil
	}
	return methods, agentConn
}

func (d *Dialer) identityFiles(entry br.HostEntry) []string {
	files := append(append([]string{}, entry.IdentityFiles...), d.cfg.IdentityFiles...)
	if len(files) > 0 {
		return files
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		files = append(files, filepath.Join(home, ".ssh", name))
	}
	return files
}

func (d *Dialer) hostKeyCallback(entry br.HostEntry) (ssh.HostKeyCallback, error) {
	if d.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts %s: %w", d.cfg.KnownHostsPath, err)
	}
	if entry.HostKeyAlias == "" {
		return cb, nil
	}
	alias := net.JoinHostPort(entry.HostKeyAlias, strconv.Itoa(entry.Port))
	return func(_ string, remote net.Addr, key ssh.PublicKey) error {
		return cb(alias, remote, key)
	}, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		c.Close()
	}
}

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"

	"github.com/iwanhae/ssh-warden/types"
)

type contextKey string

const connContextKey contextKey = "warden-conn"

// failureReporter is the failure-reporting boundary of the store.
type failureReporter interface {
	RecordFailure(ctx context.Context, address string) (bool, error)
	Ban(ctx context.Context, address, reason string) (bool, error)
}

// gatekeeperServer glues an SSH server to the ban state. It never decides
// anything itself: the gatekeeper answers "banned?" and the reporter counts
// failures.
type gatekeeperServer struct {
	gate            types.Gatekeeper
	reporter        failureReporter
	accounts        map[string]string
	disconnectDelay time.Duration
	limiter         *ConnectionRateLimiter
	logger          *log.Logger
}

func newGatekeeperServer(gate types.Gatekeeper, reporter failureReporter, c SSHConfig) *gatekeeperServer {
	accounts := make(map[string]string, len(c.Accounts))
	for _, acct := range c.Accounts {
		user, pass, _ := strings.Cut(acct, ":")
		accounts[user] = pass
	}
	return &gatekeeperServer{
		gate:            gate,
		reporter:        reporter,
		accounts:        accounts,
		disconnectDelay: c.BanDisconnectDelay,
		limiter:         NewConnectionRateLimiter(c.MaxConnPerMinute, time.Minute),
		logger:          log.WithPrefix("ssh"),
	}
}

// newSSHServer builds the listening server. The host key at hostKeyPath is
// created when it does not exist yet.
func (g *gatekeeperServer) newSSHServer(addr, hostKeyPath string) (*ssh.Server, error) {
	srv := &ssh.Server{
		Addr:            addr,
		Handler:         g.handleSession,
		ConnCallback:    g.onConnect,
		PasswordHandler: g.checkPassword,
		// Public keys are not offered: a client cycling through agent keys
		// would otherwise rack up failures before reaching password auth.
	}
	signer, err := loadOrCreateHostKey(hostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	srv.AddHostKey(signer)
	return srv, nil
}

// onConnect is the first gatekeeper check, before any protocol negotiation.
// Returning nil makes the server drop the connection.
func (g *gatekeeperServer) onConnect(ctx ssh.Context, conn net.Conn) net.Conn {
	ip := remoteIP(conn.RemoteAddr())
	if g.gate(ip) {
		g.logger.Info("blocked connection from banned address", "addr", ip)
		return nil
	}
	if !g.limiter.CheckAndRecord(ip) {
		g.logger.Warn("too many connections, banning", "addr", ip)
		if _, err := g.reporter.Ban(ctx, ip, "too many connections"); err != nil {
			g.logger.Error("ban connection flood", "addr", ip, "error", err)
		}
		return nil
	}
	ctx.SetValue(connContextKey, conn)
	return conn
}

// checkPassword is the second gatekeeper check and the failure-reporting
// boundary.
func (g *gatekeeperServer) checkPassword(ctx ssh.Context, password string) bool {
	ip := remoteIP(ctx.RemoteAddr())
	if g.gate(ip) {
		g.logger.Info("authentication blocked for banned address", "addr", ip)
		g.closeLater(ctx, 0)
		return false
	}
	if g.validCredentials(ctx.User(), password) {
		return true
	}

	banned, err := g.reporter.RecordFailure(ctx, ip)
	if err != nil {
		g.logger.Error("record authentication failure", "addr", ip, "error", err)
		return false
	}
	g.logger.Debug("authentication failed", "addr", ip, "user", ctx.User())
	if banned {
		g.logger.Info("address banned, dropping connection", "addr", ip, "delay", g.disconnectDelay)
		g.closeLater(ctx, g.disconnectDelay)
	}
	return false
}

func (g *gatekeeperServer) validCredentials(user, password string) bool {
	want, ok := g.accounts[user]
	if !ok {
		// Compare anyway so unknown users take as long as known ones.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

func (g *gatekeeperServer) handleSession(s ssh.Session) {
	fmt.Fprintf(s, "Hello %s. This host is protected by ssh-warden.\n", s.User())
	_ = s.Exit(0)
}

func (g *gatekeeperServer) closeLater(ctx ssh.Context, delay time.Duration) {
	conn, ok := ctx.Value(connContextKey).(net.Conn)
	if !ok {
		return
	}
	if delay <= 0 {
		_ = conn.Close()
		return
	}
	time.AfterFunc(delay, func() { _ = conn.Close() })
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	remote := addr.String()
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

func loadOrCreateHostKey(path string) (gossh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return createHostKey(path)
	}
	if err != nil {
		return nil, err
	}
	return gossh.ParsePrivateKey(data)
}

func createHostKey(path string) (gossh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "ssh-warden host key")
	if err != nil {
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	if err := writePEM(f, block); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	log.Info("generated new host key", "path", path)
	return gossh.NewSignerFromKey(priv)
}

func writePEM(w io.Writer, block *pem.Block) error {
	if err := pem.Encode(w, block); err != nil {
		return fmt.Errorf("write host key: %w", err)
	}
	return nil
}

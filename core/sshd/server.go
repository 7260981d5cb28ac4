// Package sshd serves threadsh sessions over SSH.
package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gliderlabs/ssh"
	"github.com/spf13/afero"
	gossh "golang.org/x/crypto/ssh"

	"josephlewis.net/threadsh/core/config"
	"josephlewis.net/threadsh/core/shell"
)

// Server accepts SSH connections and gives each one its own session over a
// copy-on-write view of the base filesystem.
type Server struct {
	cfg    *config.Configuration
	baseFs afero.Fs
	logger *slog.Logger

	sshServer *ssh.Server
}

// New builds the server, generating a host key on first use.
func New(cfg *config.Configuration, baseFs afero.Fs, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		baseFs: baseFs,
		logger: logger,
	}

	keyPEM, err := loadOrCreateHostKey(baseFs, cfg.SSH.HostKey)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}

	s.sshServer = &ssh.Server{
		Addr: fmt.Sprintf(":%d", cfg.SSH.Port),
		Handler: func(sess ssh.Session) {
			s.handle(sess)
		},
		// Sessions are isolated per connection, so any credential works.
		PasswordHandler: func(ctx ssh.Context, password string) bool {
			return true
		},
	}
	if cfg.SSH.Banner != "" {
		s.sshServer.BannerHandler = func(ctx ssh.Context) string {
			return cfg.SSH.Banner
		}
	}
	if err := s.sshServer.SetOption(ssh.HostKeyPEM(keyPEM)); err != nil {
		return nil, err
	}

	return s, nil
}

// ListenAndServe blocks serving connections.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.sshServer.Addr)
	return s.sshServer.ListenAndServe()
}

// Close stops the listener.
func (s *Server) Close() error {
	return s.sshServer.Close()
}

func (s *Server) handle(sess ssh.Session) {
	s.logger.Info("session opened", "user", sess.User(), "remote", sess.RemoteAddr())
	defer s.logger.Info("session closed", "user", sess.User())

	// Writes land in a per-session overlay, never in the shared base.
	fs := afero.NewCopyOnWriteFs(s.baseFs, afero.NewMemMapFs())

	ptyReq, winCh, isPty := sess.Pty()
	var width atomic.Int64
	width.Store(int64(ptyReq.Window.Width))
	go func() {
		for win := range winCh {
			width.Store(int64(win.Width))
		}
	}()

	session, err := shell.NewSession(s.cfg, fs, shell.TerminalOptions{
		Stdin:  sess,
		Stdout: sess,
		Stderr: sess.Stderr(),
		IsPTY:  func() bool { return isPty },
		Width: func() int {
			if w := int(width.Load()); w > 0 {
				return w
			}
			return 80
		},
	})
	if err != nil {
		fmt.Fprintf(sess.Stderr(), "threadsh: %v\n", err)
		sess.Exit(1)
		return
	}

	session.RunRcFile()

	var code int
	if raw := sess.RawCommand(); raw != "" {
		code = session.RunCommand(raw)
	} else {
		code = session.Interactive()
	}
	sess.Exit(code)
}

// loadOrCreateHostKey reads the PEM host key, generating an ed25519 key the
// first time.
func loadOrCreateHostKey(fs afero.Fs, path string) ([]byte, error) {
	if path == "" {
		path = "threadsh_host_key"
	}
	if exists, _ := afero.Exists(fs, path); exists {
		return afero.ReadFile(fs, path)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(block)
	if err := afero.WriteFile(fs, path, keyPEM, 0600); err != nil {
		return nil, err
	}
	return keyPEM, nil
}

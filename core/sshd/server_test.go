package sshd

import (
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"josephlewis.net/threadsh/core/config"
)

func TestLoadOrCreateHostKey(t *testing.T) {
	fs := afero.NewMemMapFs()

	keyPEM, err := loadOrCreateHostKey(fs, "hostkey")
	require.NoError(t, err)

	_, err = gossh.ParsePrivateKey(keyPEM)
	assert.NoError(t, err, "generated key must parse")

	// The same key comes back on the next start.
	again, err := loadOrCreateHostKey(fs, "hostkey")
	require.NoError(t, err)
	assert.Equal(t, keyPEM, again)
}

func TestNewServer(t *testing.T) {
	cfg := config.Default()
	cfg.SSH.Port = 2345

	srv, err := New(cfg, afero.NewMemMapFs(), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, ":2345", srv.sshServer.Addr)
	assert.NoError(t, srv.Close())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

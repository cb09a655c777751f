package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
proxy:
  ratePerTab: 5
blacklist:
  - example.org
  - "@exclude *://*.ads.test/*"
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, 5.0, c.Proxy.RatePerTab)
	assert.Equal(t, "X-Cdpmonkey-Verify", c.Proxy.VerifyHeader)
	assert.Equal(t, "http://127.0.0.1:9222", c.DevTools.URL)
	assert.Len(t, c.Blacklist, 2)
}

func TestLoadEmptyPath(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), c)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

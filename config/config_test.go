package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/scepd/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 365, cfg.CertValidityDays)
	assert.Equal(t, 10, cfg.CAValidityYears)
	assert.Empty(t, cfg.Challenge)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scepd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rootDir: /var/lib/scepd
listenAddr: ":9090"
subject:
  commonName: Example SCEP CA
  organization: Example Corp
  country: DE
sanDNSName: scep.example.com
challenge: hunter2
certValidityDays: 90
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/scepd", cfg.RootDir)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "Example SCEP CA", cfg.Subject.CommonName)
	assert.Equal(t, "scep.example.com", cfg.SANDNSName)
	assert.Equal(t, "hunter2", cfg.Challenge)
	assert.Equal(t, 90, cfg.CertValidityDays)
	// Unset fields keep defaults.
	assert.Equal(t, 10, cfg.CAValidityYears)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scepd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("certValidityDays: -1\n"), 0o600))

	_, err := config.Load(path)
	assert.ErrorContains(t, err, "certValidityDays")
}

func TestValidate(t *testing.T) {
	cfg := config.Defaults()
	cfg.Subject.CommonName = ""
	assert.ErrorContains(t, cfg.Validate(), "commonName")

	cfg = config.Defaults()
	cfg.RootDir = ""
	assert.ErrorContains(t, cfg.Validate(), "rootDir")

	cfg = config.Defaults()
	cfg.CAValidityYears = 0
	assert.ErrorContains(t, cfg.Validate(), "caValidityYears")
}

func TestPKIXName(t *testing.T) {
	cfg := config.Defaults()
	cfg.Subject = config.Subject{CommonName: "Example CA", Organization: "Example", Country: "US"}

	name := cfg.PKIXName()
	assert.Equal(t, "Example CA", name.CommonName)
	assert.Equal(t, []string{"Example"}, name.Organization)
	assert.Equal(t, []string{"US"}, name.Country)

	cfg.Subject = config.Subject{CommonName: "Bare CA"}
	name = cfg.PKIXName()
	assert.Empty(t, name.Organization)
	assert.Empty(t, name.Country)
}

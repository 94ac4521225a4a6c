package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuic-go/tuicd/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server = "127.0.0.1:0"
	cfg.TLS.SelfSign = true
	cfg.Users = map[string]string{
		"00000000-0000-0000-0000-000000000001": "password",
	}
	return cfg
}

func TestNewParsesUserUUIDs(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	assert.Len(t, s.users, 1)
	assert.Equal(t, NoopHooks, s.hooks)
}

func TestNewRejectsInvalidUUID(t *testing.T) {
	cfg := testConfig()
	cfg.Users = map[string]string{"not-a-uuid": "password"}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestBuildQUICConfigMapsFields(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)

	qc := s.buildQUICConfig()
	assert.Equal(t, s.cfg.QUIC.MaxIdleTime.Duration, qc.MaxIdleTimeout)
	assert.True(t, qc.EnableDatagrams)
	assert.False(t, qc.DisablePathMTUDiscovery)
}

func TestBuildTLSConfigSelfSign(t *testing.T) {
	s, err := New(testConfig(), nil)
	require.NoError(t, err)

	tlsConf, err := s.buildTLSConfig()
	require.NoError(t, err)
	assert.Len(t, tlsConf.Certificates, 1)
	assert.Contains(t, tlsConf.NextProtos, "tuic")
}

func TestBuildTLSConfigRequiresCertWhenNotSelfSign(t *testing.T) {
	cfg := testConfig()
	cfg.TLS.SelfSign = false
	cfg.TLS.Certificate = "/nonexistent/cert.pem"
	cfg.TLS.PrivateKey = "/nonexistent/key.pem"
	s, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = s.buildTLSConfig()
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTOML = `
server = "0.0.0.0:8443"

[users]
11111111-1111-1111-1111-111111111111 = "p"

[tls]
self_sign = true
`

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		toml    string
		wantErr bool
	}{
		{name: "valid minimal config", toml: validTOML},
		{
			name: "missing users",
			toml: `
server = "0.0.0.0:8443"
[tls]
self_sign = true
`,
			wantErr: true,
		},
		{
			name: "invalid uuid key",
			toml: `
server = "0.0.0.0:8443"
[users]
not-a-uuid = "p"
[tls]
self_sign = true
`,
			wantErr: true,
		},
		{
			name: "unknown top-level field rejected",
			toml: validTOML + "\nbogus_field = true\n",
			wantErr: true,
		},
		{
			name: "unknown nested field rejected",
			toml: `
server = "0.0.0.0:8443"
[users]
11111111-1111-1111-1111-111111111111 = "p"
[tls]
self_sign = true
bogus = true
`,
			wantErr: true,
		},
		{
			name: "missing certs when self_sign false",
			toml: `
server = "0.0.0.0:8443"
[users]
11111111-1111-1111-1111-111111111111 = "p"
`,
			wantErr: true,
		},
		{
			name:    "malformed toml",
			toml:    "this is not [ toml",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			path := filepath.Join(tmpDir, "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.toml), 0o600))

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(validTOML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8443", cfg.Server)
	assert.True(t, cfg.DualStack)
	assert.True(t, cfg.UDPRelayIPv6)
	assert.Equal(t, ControllerBBR, cfg.QUIC.CongestionControl.Controller)
	assert.Equal(t, uint16(1200), cfg.QUIC.InitialMTU)
	assert.Equal(t, 1500, cfg.MaxExternalPacketSize)
	assert.False(t, cfg.Restful.Enabled())
}

func TestLoadFileNotFound(t *testing.T) {
	cfg, err := Load("non-existent-file.toml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("15s")))
	assert.Equal(t, "15s", d.Duration.String())

	var bad Duration
	assert.Error(t, bad.UnmarshalText([]byte("not-a-duration")))
}

func TestValidateCongestionController(t *testing.T) {
	cfg := Defaults()
	cfg.Users = map[string]string{"11111111-1111-1111-1111-111111111111": "p"}
	cfg.TLS.SelfSign = true
	cfg.QUIC.CongestionControl.Controller = "not-a-controller"
	assert.Error(t, cfg.Validate())
}

func TestExampleTOML(t *testing.T) {
	out, err := ExampleTOML()
	require.NoError(t, err)
	assert.Contains(t, out, "[users]")
	assert.Contains(t, out, "self_sign = true")
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jurisbase/lexcrawl/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Crawler.Concurrency)
	assert.Equal(t, 0.5, cfg.Crawler.PerProxyRPS)
	assert.Equal(t, 5, cfg.Crawler.MaxAttempts)
	assert.Equal(t, "lexcrawl-bot/0.1", cfg.Crawler.UserAgent)
	assert.Equal(t, int64(20<<20), cfg.Crawler.MaxPageBytes)
	assert.Equal(t, "https://api.ipify.org", cfg.Fleet.ProbeURL)
	assert.True(t, cfg.Render.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "data/raw", cfg.Storage.RawDir)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
crawler:
  concurrency: 32
  per_proxy_rps: 2.0
countries:
  kr:
    base_url: https://law.go.kr
    source_id: kr-statutes
    category: STAT
  vn:
    base_url: https://congbao.chinhphu.vn
    source_id: vn-gazette
    category: GAZ
    adapter: gazette
    seed_urls:
      - https://congbao.chinhphu.vn/latest
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Crawler.Concurrency)
	assert.Equal(t, 2.0, cfg.Crawler.PerProxyRPS)
	assert.Equal(t, 5, cfg.Crawler.MaxAttempts) // default survives partial override

	src, ok := cfg.Source("KR")
	require.True(t, ok)
	assert.Equal(t, "kr-statutes", src.SourceID)

	vn, ok := cfg.Source("vn")
	require.True(t, ok)
	assert.Equal(t, "gazette", vn.Adapter)
	assert.Equal(t, []string{"https://congbao.chinhphu.vn/latest"}, vn.SeedURLs)

	_, ok = cfg.Source("jp")
	assert.False(t, ok)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "zero concurrency",
			body: "crawler:\n  concurrency: 0\n",
			want: "concurrency",
		},
		{
			name: "negative rps",
			body: "crawler:\n  per_proxy_rps: -1\n",
			want: "per_proxy_rps",
		},
		{
			name: "long country code",
			body: "countries:\n  kor:\n    base_url: https://x\n    source_id: s\n",
			want: "two letters",
		},
		{
			name: "missing source id",
			body: "countries:\n  kr:\n    base_url: https://x\n",
			want: "source_id",
		},
		{
			name: "unknown adapter",
			body: "countries:\n  kr:\n    base_url: https://x\n    source_id: s\n    adapter: pdf\n",
			want: "adapter",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCredentialTokenComesFromEnvironment(t *testing.T) {
	t.Setenv("LEXCRAWL_TEST_PROVIDER_TOKEN", "tok-123")

	token, err := config.CredentialToken("LEXCRAWL_TEST_PROVIDER_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)

	_, err = config.CredentialToken("LEXCRAWL_TEST_MISSING_TOKEN")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not set in the environment")

	_, err = config.CredentialToken("")
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LEXCRAWL_SERVER_PORT", "9091")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 9091, cfg.Server.Port)
}

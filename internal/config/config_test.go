package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, `
store:
  path: data/sync.db
api:
  base_url: https://api.example.test/v1/
  api_key: secret
bulk:
  download_dir: bulk
  datasets:
    contributions:
      url: https://files.example.test/{cycle}/indiv{yy}.zip
      member: itcont.txt
cache:
  ttl:
    /committee/: 168h
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	dir := filepath.Dir(p)
	assert.Equal(t, filepath.Join(dir, "data/sync.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "bulk"), cfg.Bulk.DownloadDir)
	assert.Equal(t, "https://api.example.test/v1", cfg.API.BaseURL)
	assert.Equal(t, 5, cfg.API.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.API.MinInterval)
	assert.Equal(t, 100, cfg.API.MaxPageSize)
	assert.Equal(t, 50_000, cfg.Bulk.ChunkSize)
	assert.Equal(t, 5, cfg.Bulk.CheckpointEvery)
	assert.Equal(t, 0.5, cfg.Cache.StaleFraction)
	assert.Equal(t, 168*time.Hour, cfg.Cache.TTL["/committee/"])
	assert.Equal(t, "|", cfg.Bulk.Datasets["contributions"].Delimiter)
	assert.Equal(t, "https://files.example.test/2024/indiv24.zip", cfg.Bulk.Datasets["contributions"].DatasetURL(2024))
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing base url": `
store: {path: x.db}
api: {api_key: k}
`,
		"missing api key": `
store: {path: x.db}
api: {base_url: "http://x"}
`,
		"bad page bounds": `
store: {path: x.db}
api: {base_url: "http://x", api_key: k, min_page_size: 50, max_page_size: 10}
`,
		"dataset without url": `
store: {path: x.db}
api: {base_url: "http://x", api_key: k}
bulk:
  datasets:
    committees: {member: cm.txt}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("FILINGSYNC_API_KEY", "")
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("FILINGSYNC_API_KEY", "from-env")
	cfg, err := Load(writeConfig(t, `
store: {path: x.db}
api: {base_url: "http://x"}
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.API.APIKey)
}

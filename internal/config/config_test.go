package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsentinel/internal/common"
	"feedsentinel/internal/feed"
	"feedsentinel/internal/logging"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 15*time.Minute, cfg.Refresh.Interval.Duration)
	assert.Equal(t, 4, cfg.Refresh.Workers)
	assert.Equal(t, 3, cfg.Refresh.DegradedThreshold)
	assert.Equal(t, 10*time.Second, cfg.Refresh.StopGrace.Duration)
	assert.Equal(t, feed.FetchPolicy{
		Timeout:     15 * time.Second,
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
	}, cfg.Fetch.Policy())
	assert.Equal(t, 3, cfg.Parse.ForumMinItems)
	assert.Equal(t, 72*time.Hour, cfg.Correlation.HalfLife.Duration)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load("testdata/feedsentinel.toml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":18080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr, "unset keys keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Refresh.Interval.Duration)
	assert.Equal(t, 8, cfg.Refresh.Workers)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Fetch.BackoffMax.Duration)
	assert.Equal(t, 48*time.Hour, cfg.Correlation.HalfLife.Duration)
	assert.Equal(t, []string{"https://dir.example.com/forums.json"}, cfg.Forums.Indexes)
	assert.Equal(t, 12*time.Hour, cfg.Forums.TTL.Duration)

	sources, err := cfg.ToSources()
	require.NoError(t, err)
	require.Len(t, sources, 5)

	kev := sources[0]
	assert.Equal(t, common.CategoryVulnerability, kev.Category)
	assert.Equal(t, common.ParserStandard, kev.ParserKind)
	assert.Equal(t, 30*time.Second, kev.FetchPolicy.Timeout)
	assert.Equal(t, 5, kev.FetchPolicy.MaxRetries)
	assert.Equal(t, feed.OriginConfig, kev.Origin)

	assert.Equal(t, feed.FetchPolicy{}, sources[1].FetchPolicy, "unset policy inherits fetcher defaults")
	assert.Equal(t, common.ParserForum, sources[2].ParserKind, "forum category implies forum parser")
}

func TestSourceFetchKeysFillFromFetchSection(t *testing.T) {
	cfg, err := Load("testdata/feedsentinel.toml")
	require.NoError(t, err)
	sources, err := cfg.ToSources()
	require.NoError(t, err)
	require.Len(t, sources, 5)

	kev := sources[0]
	assert.Equal(t, feed.FetchPolicy{
		Timeout:     30 * time.Second,
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}, kev.FetchPolicy)

	psirt := sources[3]
	assert.Equal(t, feed.FetchPolicy{
		Timeout:     45 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}, psirt.FetchPolicy, "timeout alone keeps the default retries")

	bulletins := sources[4]
	assert.Equal(t, 0, bulletins.FetchPolicy.MaxRetries)
	assert.Equal(t, 20*time.Second, bulletins.FetchPolicy.Timeout)
	assert.NotEqual(t, feed.FetchPolicy{}, bulletins.FetchPolicy, "explicit zero retries is kept")
}

func TestValidateRejectsNegativeSourceRetries(t *testing.T) {
	cfg := Default()
	retries := -1
	cfg.Sources = []Source{{ID: "a", URL: "https://a.example/rss", Category: "security-news", MaxRetries: &retries}}

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max_retries")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[refresh]\ninterval = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FS_HTTP_ADDR", ":7000")
	t.Setenv("FS_REFRESH_INTERVAL", "90s")
	t.Setenv("FS_WORKERS", "2")
	t.Setenv("FS_FORUM_INDEXES", "https://a.example/x.json, ,https://b.example/y.json")

	cfg, err := Load("testdata/feedsentinel.toml")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, 90*time.Second, cfg.Refresh.Interval.Duration)
	assert.Equal(t, 2, cfg.Refresh.Workers)
	assert.Equal(t, []string{"https://a.example/x.json", "https://b.example/y.json"}, cfg.Forums.Indexes)
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("FS_WORKERS", "many")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Refresh.Workers = 0
	cfg.Fetch.BackoffMax = Duration{time.Millisecond}
	cfg.Correlation.CVEMapPath = "cves.json"
	cfg.Sources = []Source{
		{ID: "a", URL: "https://a.example/rss", Category: "security-news"},
		{ID: "a", URL: "https://a.example/rss", Category: "security-news"},
		{ID: "b", URL: "not a url", Category: "security-news"},
		{ID: "c", URL: "https://c.example/rss", Category: "gossip"},
	}

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{
		"refresh.workers",
		"fetch.backoff_max",
		"cve_map_path",
		`duplicate id "a"`,
		"sources[2]",
		"sources[3]",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, os.WriteFile(".env", []byte("FS_GRPC_ADDR=:7777\n"), 0o600))
	t.Setenv("FS_GRPC_ADDR", "")
	require.NoError(t, os.Unsetenv("FS_GRPC_ADDR"))

	LoadEnv(logging.NewDiscardLogger())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.GRPCAddr)
}

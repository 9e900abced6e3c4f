package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads environment variables from local .env files. Variables
// already set in the process win.
func LoadEnv(logger *logrus.Logger) {
	var loaded []string
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logger.WithError(err).Warnf("Failed to load %s", file)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) > 0 {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

func (c *Config) applyEnv() error {
	c.Server.HTTPAddr = getEnv("FS_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.MetricsAddr = getEnv("FS_METRICS_ADDR", c.Server.MetricsAddr)
	c.Server.GRPCAddr = getEnv("FS_GRPC_ADDR", c.Server.GRPCAddr)
	c.Correlation.CatalogPath = getEnv("FS_CATALOG_PATH", c.Correlation.CatalogPath)
	c.Correlation.CVEMapPath = getEnv("FS_CVE_MAP_PATH", c.Correlation.CVEMapPath)
	if v := os.Getenv("FS_FORUM_INDEXES"); v != "" {
		c.Forums.Indexes = splitList(v)
	}

	var err error
	if c.Refresh.Interval.Duration, err = getEnvDuration("FS_REFRESH_INTERVAL", c.Refresh.Interval.Duration); err != nil {
		return err
	}
	if c.Refresh.Workers, err = getEnvInt("FS_WORKERS", c.Refresh.Workers); err != nil {
		return err
	}
	if c.Fetch.Timeout.Duration, err = getEnvDuration("FS_FETCH_TIMEOUT", c.Fetch.Timeout.Duration); err != nil {
		return err
	}
	return nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, k, err)
	}
	return n, nil
}

func getEnvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, k, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

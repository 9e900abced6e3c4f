package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsentinel/internal/app"
	"feedsentinel/internal/config"
	"feedsentinel/internal/logging"
)

const bulletin = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Bulletins</title>
<item><guid>b1</guid><title>CVE-2024-3400 exploited in the wild</title>
<description>PAN-OS GlobalProtect command injection, CVSS 10.0.</description></item>
</channel></rss>`

func TestLoadPrintsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(bulletin))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Sources = []config.Source{{ID: "bulletins", URL: srv.URL + "/rss", Category: "vulnerability", Priority: 1}}
	a, err := app.Build(cfg, logging.NewDiscardLogger())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, load(context.Background(), a, true, &buf))

	var out struct {
		Cycle struct {
			Succeeded int `json:"succeeded"`
		} `json:"cycle"`
		Sources []map[string]any `json:"sources"`
		Items   []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), buf.String())
	assert.Equal(t, 1, out.Cycle.Succeeded)
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "bulletins", out.Sources[0]["id"])
	require.Len(t, out.Items, 1)
	assert.Equal(t, "b1", out.Items[0]["guid"])
	assert.Equal(t, 10.0, out.Items[0]["severity"])
}

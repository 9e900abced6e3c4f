package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVulnerabilityParserExtractsCVEFromSyndication(t *testing.T) {
	set := NewSet(Config{})
	items, err := set.Parse(vulnSource(), fixture(t, "vulnerabilities.rss"))
	require.NoError(t, err)
	require.Len(t, items, 3)

	first := items[0]
	require.NotNil(t, first.CVE)
	assert.Equal(t, "CVE-2024-3400", first.CVE.CVEID)
	require.NotNil(t, first.CVE.CVSSScore)
	assert.InDelta(t, 10.0, *first.CVE.CVSSScore, 0.001)
	assert.True(t, first.CVE.ExploitedInWild)
	assert.Equal(t, []string{"Palo Alto Networks"}, first.CVE.AffectedVendors)

	second := items[1]
	require.NotNil(t, second.CVE)
	assert.Equal(t, "CVE-2024-21762", second.CVE.CVEID, "ids are normalized to upper case")
	require.NotNil(t, second.CVE.CVSSScore)
	assert.InDelta(t, 9.6, *second.CVE.CVSSScore, 0.001)
	assert.False(t, second.CVE.ExploitedInWild)
	assert.Equal(t, []string{"Acme", "Contoso", "Fortinet"}, second.CVE.AffectedVendors)

	assert.Nil(t, items[2].CVE, "items without an identifier stay generic")
}

func TestVulnerabilityParserKEV(t *testing.T) {
	set := NewSet(Config{})
	items, err := set.Parse(vulnSource(), fixture(t, "kev.json"))
	require.NoError(t, err)
	require.Len(t, items, 2, "duplicate cve ids collapse")

	first := items[0]
	assert.Equal(t, "CVE-2024-3400", first.GUID)
	assert.Equal(t, "https://nvd.nist.gov/vuln/detail/CVE-2024-3400", first.Link)
	assert.Equal(t, mustTime(t, "2024-04-12T00:00:00Z"), first.PublishedAt)
	assert.Contains(t, first.Summary, "Known ransomware campaign use.")
	require.NotNil(t, first.CVE)
	assert.True(t, first.CVE.ExploitedInWild)
	assert.Nil(t, first.CVE.CVSSScore)
	assert.Equal(t, []string{"Palo Alto Networks"}, first.CVE.AffectedVendors)

	assert.NotContains(t, items[1].Summary, "ransomware")
}

func TestVulnerabilityParserJSONFeedFallsThrough(t *testing.T) {
	jsonFeed := `{
  "version": "https://jsonfeed.org/version/1.1",
  "title": "Vuln JSON feed",
  "items": [
    {"id": "j1", "url": "https://vulns.example.org/j1", "title": "CVE-2024-1111 in widget", "content_text": "CVSS 7.5", "date_published": "2024-05-01T00:00:00Z"}
  ]
}`
	set := NewSet(Config{})
	items, err := set.Parse(vulnSource(), []byte(jsonFeed))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].CVE)
	assert.Equal(t, "CVE-2024-1111", items[0].CVE.CVEID)
}

func TestVulnerabilityParserBrokenJSON(t *testing.T) {
	set := NewSet(Config{})
	_, err := set.Parse(vulnSource(), []byte(`{"vulnerabilities": [`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestExtractCVE(t *testing.T) {
	assert.Nil(t, ExtractCVE("nothing here", nil))

	d := ExtractCVE("patched", []string{"CVE-2023-0001"})
	require.NotNil(t, d)
	assert.Equal(t, "CVE-2023-0001", d.CVEID)
	assert.Nil(t, d.CVSSScore)

	d = ExtractCVE("CVE-2023-0002 with CVSS score of 42", nil)
	require.NotNil(t, d)
	assert.Nil(t, d.CVSSScore, "scores above 10 are rejected")
}

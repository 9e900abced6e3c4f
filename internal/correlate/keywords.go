package correlate

import (
	"regexp"

	"feedsentinel/internal/common"
)

// keywordPattern is a severity keyword matched against lower-cased item text.
type keywordPattern struct {
	Name    string
	Pattern string
	Level   common.SeverityLevel
}

type compiledKeyword struct {
	Regex *regexp.Regexp
	Name  string
	Level common.SeverityLevel
}

// tierWeights gives each keyword tier its contribution to the raw score.
// Critical outweighs high, which outweighs medium.
var tierWeights = map[common.SeverityLevel]float64{
	common.SeverityCritical: 4.0,
	common.SeverityHigh:     2.5,
	common.SeverityMedium:   1.0,
}

var severityKeywords = []keywordPattern{
	{Name: "ransomware", Pattern: `\bransomware\b`, Level: common.SeverityCritical},
	{Name: "zero-day", Pattern: `\b(?:zero[- ]day|0[- ]day)s?\b`, Level: common.SeverityCritical},
	{Name: "exploited", Pattern: `\b(?:actively exploited|exploited in the wild|under active exploitation|in-the-wild exploitation)\b`, Level: common.SeverityCritical},
	{Name: "rce", Pattern: `\b(?:remote code execution|rce)\b`, Level: common.SeverityCritical},
	{Name: "wiper", Pattern: `\bwipers?\b`, Level: common.SeverityCritical},
	{Name: "auth-bypass", Pattern: `\bauthentication bypass\b`, Level: common.SeverityCritical},

	{Name: "exploit", Pattern: `\bexploit(?:s|ed|ation)?\b`, Level: common.SeverityHigh},
	{Name: "backdoor", Pattern: `\bbackdoor(?:s|ed)?\b`, Level: common.SeverityHigh},
	{Name: "malware", Pattern: `\b(?:malware|infostealer|stealer|trojan|botnet)\b`, Level: common.SeverityHigh},
	{Name: "credentials", Pattern: `\b(?:credential (?:theft|dumping|harvesting)|stolen credentials|initial access broker)\b`, Level: common.SeverityHigh},
	{Name: "privesc", Pattern: `\bprivilege escalation\b`, Level: common.SeverityHigh},
	{Name: "breach", Pattern: `\b(?:data breach|data leak|breached)\b`, Level: common.SeverityHigh},

	{Name: "vulnerability", Pattern: `\bvulnerabilit(?:y|ies)\b`, Level: common.SeverityMedium},
	{Name: "phishing", Pattern: `\b(?:spear)?phishing\b`, Level: common.SeverityMedium},
	{Name: "patch", Pattern: `\bpatch(?:es|ed)?\b`, Level: common.SeverityMedium},
	{Name: "advisory", Pattern: `\badvisor(?:y|ies)\b`, Level: common.SeverityMedium},
	{Name: "dos", Pattern: `\bdenial of service\b`, Level: common.SeverityMedium},
	{Name: "incident", Pattern: `\bincidents?\b`, Level: common.SeverityMedium},
}

func compileKeywords(patterns []keywordPattern) []compiledKeyword {
	out := make([]compiledKeyword, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, compiledKeyword{
			Regex: regexp.MustCompile(p.Pattern),
			Name:  p.Name,
			Level: p.Level,
		})
	}
	return out
}

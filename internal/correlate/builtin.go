package correlate

// DefaultCatalog returns a compact built-in ATT&CK excerpt used when no
// bundle is configured. It covers the techniques most often named in
// advisories and underground forum chatter.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinTactics, builtinTechniques, builtinGroups, builtinCVEMappings)
	if err != nil {
		panic(err)
	}
	return c
}

var builtinTactics = []Tactic{
	{ID: "TA0001", ShortName: "initial-access", Name: "Initial Access"},
	{ID: "TA0002", ShortName: "execution", Name: "Execution"},
	{ID: "TA0003", ShortName: "persistence", Name: "Persistence"},
	{ID: "TA0004", ShortName: "privilege-escalation", Name: "Privilege Escalation"},
	{ID: "TA0005", ShortName: "defense-evasion", Name: "Defense Evasion"},
	{ID: "TA0006", ShortName: "credential-access", Name: "Credential Access"},
	{ID: "TA0009", ShortName: "collection", Name: "Collection"},
	{ID: "TA0010", ShortName: "exfiltration", Name: "Exfiltration"},
	{ID: "TA0011", ShortName: "command-and-control", Name: "Command and Control"},
	{ID: "TA0040", ShortName: "impact", Name: "Impact"},
}

var builtinTechniques = []Technique{
	{ID: "T1003", TacticIDs: []string{"TA0006"}, Name: "OS Credential Dumping", Aliases: []string{"credential dumping", "lsass dump"}},
	{ID: "T1027", TacticIDs: []string{"TA0005"}, Name: "Obfuscated Files or Information", Aliases: []string{"crypter", "packer"}},
	{ID: "T1059", TacticIDs: []string{"TA0002"}, Name: "Command and Scripting Interpreter", Aliases: []string{"powershell", "malicious script"}},
	{ID: "T1071", TacticIDs: []string{"TA0011"}, Name: "Application Layer Protocol", Aliases: []string{"c2 channel", "command and control"}},
	{ID: "T1078", TacticIDs: []string{"TA0005", "TA0003", "TA0004", "TA0001"}, Name: "Valid Accounts", Aliases: []string{"stolen credentials", "compromised credentials", "domain admin credentials"}},
	{ID: "T1133", TacticIDs: []string{"TA0003", "TA0001"}, Name: "External Remote Services", Aliases: []string{"vpn access", "rdp access"}},
	{ID: "T1190", TacticIDs: []string{"TA0001"}, Name: "Exploit Public-Facing Application", Aliases: []string{"command injection", "sql injection"}},
	{ID: "T1485", TacticIDs: []string{"TA0040"}, Name: "Data Destruction", Aliases: []string{"wiper"}},
	{ID: "T1486", TacticIDs: []string{"TA0040"}, Name: "Data Encrypted for Impact", Aliases: []string{"ransomware"}},
	{ID: "T1490", TacticIDs: []string{"TA0040"}, Name: "Inhibit System Recovery", Aliases: []string{"shadow copy deletion"}},
	{ID: "T1498", TacticIDs: []string{"TA0040"}, Name: "Network Denial of Service", Aliases: []string{"ddos"}},
	{ID: "T1539", TacticIDs: []string{"TA0006"}, Name: "Steal Web Session Cookie", Aliases: []string{"session cookies", "session hijacking"}},
	{ID: "T1555.003", TacticIDs: []string{"TA0006"}, Name: "Credentials from Web Browsers", Aliases: []string{"infostealer", "browser credential theft"}},
	{ID: "T1557", TacticIDs: []string{"TA0006", "TA0009"}, Name: "Adversary-in-the-Middle"},
	{ID: "T1566", TacticIDs: []string{"TA0001"}, Name: "Phishing"},
	{ID: "T1566.001", TacticIDs: []string{"TA0001"}, Name: "Spearphishing Attachment"},
	{ID: "T1566.002", TacticIDs: []string{"TA0001"}, Name: "Spearphishing Link"},
	{ID: "T1567", TacticIDs: []string{"TA0010"}, Name: "Exfiltration Over Web Service"},
}

var builtinGroups = []Group{
	{ID: "G0007", Name: "APT28", Aliases: []string{"Fancy Bear", "Sofacy"}, TechniqueIDs: []string{"T1003", "T1078", "T1190", "T1566.001"}},
	{ID: "G0032", Name: "Lazarus Group", Aliases: []string{"HIDDEN COBRA"}, TechniqueIDs: []string{"T1485", "T1486", "T1566.001"}},
}

var builtinCVEMappings = map[string][]string{
	"CVE-2023-4966":  {"T1190", "T1539"},
	"CVE-2024-21762": {"T1133", "T1190"},
	"CVE-2024-3400":  {"T1059", "T1190"},
}

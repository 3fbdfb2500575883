package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// fingerprintPattern recovers the fingerprint from a rule comment. The token
// may appear bare or inside the double quotes iptables-save adds.
var fingerprintPattern = regexp.MustCompile(fmt.Sprintf(`%s:([0-9a-f]{%d})`, RuleMarker, fingerprintLen))

// ParseLive extracts the controller-owned rules from the host's saved nat
// table (iptables-save output or the equivalent rule listing). Only
// "-A PREROUTING" lines carrying the rule marker are kept; everything else
// belongs to someone else and is left alone.
func ParseLive(saved string) *RuleSet {
	live := NewRuleSet()
	for _, line := range strings.Split(saved, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-A "+Chain+" ") {
			continue
		}
		match := fingerprintPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		live.Add(LiveRule{FP: match[1], Raw: line})
	}
	return live
}

// Package rules implements the reconciliation core: building the desired
// ruleset from cluster state, recognizing controller-owned rules in the
// host's live iptables configuration, and diffing the two into an ordered
// list of mutation commands.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/getbetter-ro/epok/pkg/resource"
)

// RuleMarker prefixes the fingerprint token embedded in each installed
// rule's comment match. It is the ownership tag: rules without it are never
// touched.
const RuleMarker = "epok_rule"

// fingerprintLen is the number of hex characters kept from the sha256 digest.
const fingerprintLen = 16

// Rule is anything identified by a fingerprint: a rule we want installed or
// a rule found installed.
type Rule interface {
	Fingerprint() string
}

// DesiredRule is one forwarding rule the controller wants installed. It is
// the cross product element (interface, node, port mapping) for a service.
type DesiredRule struct {
	Interface    string
	ExternalPort uint16
	Protocol     resource.Protocol
	NodeAddress  string
	NodePort     uint16
	AllowRange   string
	Internal     bool
}

// Fingerprint digests the rule's semantic fields. Any field change yields a
// new fingerprint; rules are never updated in place, only removed and
// re-added.
func (r DesiredRule) Fingerprint() string {
	canonical := fmt.Sprintf("%s::%d::%s::%s::%d::%s::%t",
		r.Interface, r.ExternalPort, r.Protocol, r.NodeAddress, r.NodePort, r.AllowRange, r.Internal)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// String returns a compact human-readable form used in logs.
func (r DesiredRule) String() string {
	return fmt.Sprintf("%s/%d/%s -> %s:%d", r.Interface, r.ExternalPort, r.Protocol, r.NodeAddress, r.NodePort)
}

// LiveRule is a fingerprint-tagged rule found in the host's current
// configuration. Raw keeps the installed "-A PREROUTING ..." form because a
// correct removal must replay exactly what the kernel has.
type LiveRule struct {
	FP  string
	Raw string
}

// Fingerprint returns the tag recovered from the installed rule's comment.
func (r LiveRule) Fingerprint() string { return r.FP }

// RuleSet is an ordered set of rules keyed by fingerprint.
type RuleSet struct {
	order   []string
	members map[string]Rule
}

// NewRuleSet returns an empty RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{members: make(map[string]Rule)}
}

// Add inserts a rule unless its fingerprint is already present.
// It reports whether the rule was inserted.
func (s *RuleSet) Add(r Rule) bool {
	fp := r.Fingerprint()
	if _, ok := s.members[fp]; ok {
		return false
	}
	s.order = append(s.order, fp)
	s.members[fp] = r
	return true
}

// Len returns the number of rules in the set.
func (s *RuleSet) Len() int { return len(s.order) }

// Contains reports whether a rule with the given fingerprint is present.
func (s *RuleSet) Contains(fp string) bool {
	_, ok := s.members[fp]
	return ok
}

// Get returns the rule with the given fingerprint, if present.
func (s *RuleSet) Get(fp string) (Rule, bool) {
	r, ok := s.members[fp]
	return r, ok
}

// Fingerprints returns the fingerprints in insertion order.
func (s *RuleSet) Fingerprints() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Rules returns the rules in insertion order.
func (s *RuleSet) Rules() []Rule {
	out := make([]Rule, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, s.members[fp])
	}
	return out
}

// Subtract returns the rules of s whose fingerprints are absent from other,
// preserving s's order.
func (s *RuleSet) Subtract(other *RuleSet) *RuleSet {
	diff := NewRuleSet()
	for _, fp := range s.order {
		if !other.Contains(fp) {
			diff.Add(s.members[fp])
		}
	}
	return diff
}

// matchKey is the iptables match tuple of a rule. Two rules with the same
// key match identical traffic, so only one may ever be installed.
type matchKey struct {
	iface string
	port  uint16
	proto resource.Protocol
	addr  string
}

// BuildDesired folds the cluster state into the canonical desired ruleset:
// one rule per (service port mapping x active node x configured interface),
// skipping the external interface for internal services. Iteration order is
// fixed (services by FQN, annotation port order, nodes by name, interfaces
// as configured) so identical inputs always yield identical output.
// A rule whose match tuple is already claimed is skipped with a warning;
// the first claimant in iteration order keeps the port.
func BuildDesired(state resource.State, interfaces []string, externalInterface string, logger *zap.Logger) *RuleSet {
	desired := NewRuleSet()
	claimed := make(map[matchKey]string)
	nodes := state.ActiveNodes()

	for _, svc := range state.Services {
		for _, mapping := range svc.Ports {
			for _, node := range nodes {
				for _, iface := range interfaces {
					if svc.Internal && iface == externalInterface {
						continue
					}
					rule := DesiredRule{
						Interface:    iface,
						ExternalPort: mapping.ExternalPort,
						Protocol:     mapping.Protocol,
						NodeAddress:  node.Address(),
						NodePort:     mapping.NodePort,
						AllowRange:   svc.AllowRange,
						Internal:     svc.Internal,
					}
					if desired.Contains(rule.Fingerprint()) {
						continue
					}
					key := matchKey{iface, mapping.ExternalPort, mapping.Protocol, node.Address()}
					if owner, ok := claimed[key]; ok {
						logger.Warn("external port already claimed, skipping rule",
							zap.String("service", svc.FQN()),
							zap.String("claimed_by", owner),
							zap.String("interface", iface),
							zap.Uint16("port", mapping.ExternalPort),
							zap.String("protocol", string(mapping.Protocol)),
							zap.String("node", node.Address()),
						)
						continue
					}
					claimed[key] = svc.FQN()
					desired.Add(rule)
				}
			}
		}
	}

	return desired
}

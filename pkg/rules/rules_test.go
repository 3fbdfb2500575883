package rules

import (
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/getbetter-ro/epok/pkg/resource"
)

// testState returns two ready nodes and one service exposing a TCP and a
// UDP port.
func testState() resource.State {
	return resource.NewState(
		[]resource.Node{
			{Name: "node-1", Addresses: []string{"10.0.0.1"}, Ready: true},
			{Name: "node-2", Addresses: []string{"10.0.0.2"}, Ready: true},
		},
		[]resource.Service{{
			Namespace: "default",
			Name:      "mail",
			Ports: []resource.PortMapping{
				{ExternalPort: 25, NodePort: 2025, Protocol: resource.ProtocolTCP},
				{ExternalPort: 53, NodePort: 2025, Protocol: resource.ProtocolUDP},
			},
		}},
	)
}

// --- Fingerprint tests ---

func TestFingerprint_Deterministic(t *testing.T) {
	rule := DesiredRule{Interface: "eth0", ExternalPort: 25, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.1", NodePort: 2025}
	if rule.Fingerprint() != rule.Fingerprint() {
		t.Error("fingerprint not stable across calls")
	}
	if len(rule.Fingerprint()) != 16 {
		t.Errorf("expected 16-char fingerprint, got %d", len(rule.Fingerprint()))
	}
}

func TestFingerprint_SensitiveToEveryField(t *testing.T) {
	base := DesiredRule{Interface: "eth0", ExternalPort: 25, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.1", NodePort: 2025}

	variants := map[string]DesiredRule{}
	v := base
	v.Interface = "eth1"
	variants["interface"] = v
	v = base
	v.ExternalPort = 26
	variants["external_port"] = v
	v = base
	v.Protocol = resource.ProtocolUDP
	variants["protocol"] = v
	v = base
	v.NodeAddress = "10.0.0.2"
	variants["node_address"] = v
	v = base
	v.NodePort = 2026
	variants["node_port"] = v
	v = base
	v.AllowRange = "10.0.0.0/24"
	variants["allow_range"] = v
	v = base
	v.Internal = true
	variants["internal"] = v

	for field, variant := range variants {
		if variant.Fingerprint() == base.Fingerprint() {
			t.Errorf("changing %s did not change the fingerprint", field)
		}
	}
}

// --- RuleSet tests ---

func TestRuleSet_AddDeduplicates(t *testing.T) {
	set := NewRuleSet()
	rule := DesiredRule{Interface: "eth0", ExternalPort: 25, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.1", NodePort: 2025}
	if !set.Add(rule) {
		t.Error("expected first add to insert")
	}
	if set.Add(rule) {
		t.Error("expected duplicate add to be rejected")
	}
	if set.Len() != 1 {
		t.Errorf("expected 1 rule, got %d", set.Len())
	}
}

func TestRuleSet_SubtractPreservesOrder(t *testing.T) {
	a := NewRuleSet()
	b := NewRuleSet()
	r1 := DesiredRule{Interface: "eth0", ExternalPort: 1, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.1", NodePort: 1}
	r2 := DesiredRule{Interface: "eth0", ExternalPort: 2, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.1", NodePort: 2}
	r3 := DesiredRule{Interface: "eth0", ExternalPort: 3, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.1", NodePort: 3}
	a.Add(r1)
	a.Add(r2)
	a.Add(r3)
	b.Add(r2)

	diff := a.Subtract(b)
	want := []string{r1.Fingerprint(), r3.Fingerprint()}
	if !reflect.DeepEqual(diff.Fingerprints(), want) {
		t.Errorf("expected %v, got %v", want, diff.Fingerprints())
	}
}

// --- Builder tests ---

func TestBuildDesired_Scenario(t *testing.T) {
	desired := BuildDesired(testState(), []string{"eth0"}, "", zap.NewNop())
	if desired.Len() != 4 {
		t.Fatalf("expected exactly 4 rules, got %d", desired.Len())
	}

	want := []DesiredRule{
		{Interface: "eth0", ExternalPort: 25, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.1", NodePort: 2025},
		{Interface: "eth0", ExternalPort: 25, Protocol: resource.ProtocolTCP, NodeAddress: "10.0.0.2", NodePort: 2025},
		{Interface: "eth0", ExternalPort: 53, Protocol: resource.ProtocolUDP, NodeAddress: "10.0.0.1", NodePort: 2025},
		{Interface: "eth0", ExternalPort: 53, Protocol: resource.ProtocolUDP, NodeAddress: "10.0.0.2", NodePort: 2025},
	}
	got := desired.Rules()
	for i, w := range want {
		if got[i].(DesiredRule) != w {
			t.Errorf("rule %d: expected %+v, got %+v", i, w, got[i])
		}
	}
}

func TestBuildDesired_Deterministic(t *testing.T) {
	a := BuildDesired(testState(), []string{"eth0", "eth1"}, "", zap.NewNop())
	b := BuildDesired(testState(), []string{"eth0", "eth1"}, "", zap.NewNop())
	if !reflect.DeepEqual(a.Fingerprints(), b.Fingerprints()) {
		t.Error("identical inputs produced different rulesets")
	}
}

func TestBuildDesired_ExcludedNodeContributesNothing(t *testing.T) {
	state := testState()
	state.Nodes[0].Excluded = true
	desired := BuildDesired(state, []string{"eth0"}, "", zap.NewNop())
	if desired.Len() != 2 {
		t.Fatalf("expected 2 rules with one node excluded, got %d", desired.Len())
	}
	for _, r := range desired.Rules() {
		if r.(DesiredRule).NodeAddress == "10.0.0.1" {
			t.Error("excluded node still contributed a rule")
		}
	}
}

func TestBuildDesired_InternalSkipsExternalInterface(t *testing.T) {
	state := testState()
	state.Services[0].Internal = true
	desired := BuildDesired(state, []string{"eth0", "wg0"}, "eth0", zap.NewNop())

	if desired.Len() != 4 {
		t.Fatalf("expected 4 rules on the remaining interface, got %d", desired.Len())
	}
	for _, r := range desired.Rules() {
		rule := r.(DesiredRule)
		if rule.Interface == "eth0" {
			t.Errorf("internal service got a rule on the external interface: %+v", rule)
		}
		if rule.Interface != "wg0" {
			t.Errorf("unexpected interface %q", rule.Interface)
		}
	}
}

func TestBuildDesired_ExternalServiceUsesAllInterfaces(t *testing.T) {
	desired := BuildDesired(testState(), []string{"eth0", "wg0"}, "eth0", zap.NewNop())
	if desired.Len() != 8 {
		t.Fatalf("expected 8 rules across both interfaces, got %d", desired.Len())
	}
}

func TestBuildDesired_UniqueMatchTuple(t *testing.T) {
	// Two services both claim 80/tcp; only one rule per (interface, port,
	// protocol, node) may survive or the shadowed one silently blackholes.
	state := testState()
	state.Services = append(state.Services,
		resource.Service{
			Namespace: "default",
			Name:      "web",
			Ports: []resource.PortMapping{
				{ExternalPort: 80, NodePort: 30080, Protocol: resource.ProtocolTCP},
			},
		},
		resource.Service{
			Namespace: "default",
			Name:      "blog",
			Ports: []resource.PortMapping{
				{ExternalPort: 80, NodePort: 30081, Protocol: resource.ProtocolTCP},
			},
		},
	)
	desired := BuildDesired(state, []string{"eth0", "eth1"}, "", zap.NewNop())

	type matchTuple struct {
		iface string
		port  uint16
		proto resource.Protocol
		addr  string
	}
	seen := make(map[matchTuple]bool)
	for _, r := range desired.Rules() {
		rule := r.(DesiredRule)
		key := matchTuple{rule.Interface, rule.ExternalPort, rule.Protocol, rule.NodeAddress}
		if seen[key] {
			t.Errorf("duplicate match tuple %+v", key)
		}
		seen[key] = true
		if rule.ExternalPort == 80 && rule.NodePort != 30080 {
			t.Errorf("contested port went to the later claimant: %+v", rule)
		}
	}
}

func TestBuildDesired_ContestedPortKeepsFirstClaimant(t *testing.T) {
	node := resource.Node{Name: "node-1", Addresses: []string{"10.0.0.1"}, Ready: true}
	state := resource.NewState(
		[]resource.Node{node},
		[]resource.Service{
			{Namespace: "default", Name: "a", Ports: []resource.PortMapping{
				{ExternalPort: 80, NodePort: 30080, Protocol: resource.ProtocolTCP},
			}},
			{Namespace: "default", Name: "b", Ports: []resource.PortMapping{
				{ExternalPort: 80, NodePort: 30081, Protocol: resource.ProtocolTCP},
			}},
		},
	)
	desired := BuildDesired(state, []string{"eth0"}, "", zap.NewNop())

	if desired.Len() != 1 {
		t.Fatalf("expected 1 rule for the contested port, got %d", desired.Len())
	}
	rule := desired.Rules()[0].(DesiredRule)
	if rule.NodePort != 30080 {
		t.Errorf("expected default/a to keep the port, got node port %d", rule.NodePort)
	}
}

func TestBuildDesired_ExcludeToggleRoundTrip(t *testing.T) {
	state := testState()
	before := BuildDesired(state, []string{"eth0"}, "", zap.NewNop()).Fingerprints()

	state.Nodes[1].Excluded = true
	during := BuildDesired(state, []string{"eth0"}, "", zap.NewNop()).Fingerprints()
	if len(during) != 2 {
		t.Fatalf("expected 2 rules while excluded, got %d", len(during))
	}

	state.Nodes[1].Excluded = false
	after := BuildDesired(state, []string{"eth0"}, "", zap.NewNop()).Fingerprints()
	if !reflect.DeepEqual(before, after) {
		t.Error("toggling exclusion did not restore the exact fingerprints")
	}
}

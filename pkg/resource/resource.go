// Package resource holds the typed in-memory mirror of the cluster objects
// epok cares about: nodes and annotated services. Raw annotation and label
// maps are parsed into these records once, at the watch boundary, so the
// rule-building code never touches loosely-typed maps.
package resource

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Annotation and label keys forming the epok contract. These are wire-stable
// and must never change without a migration story for installed rules.
const (
	AnnotationExternalPorts = "epok.getbetter.ro/externalports"
	AnnotationInternal      = "epok.getbetter.ro/internal"
	AnnotationAllowRange    = "epok.getbetter.ro/allow-range"
	AnnotationNodeExclude   = "epok.getbetter.ro/exclude"
	LabelNodeExclude        = "epok_exclude"
)

// Protocol is a forwarded port's transport protocol.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseError reports a malformed annotation value. It is never fatal: the
// owning entry is skipped with a warning and reconciliation continues.
type ParseError struct {
	Annotation string
	Value      string
	Reason     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s annotation %q: %s", e.Annotation, e.Value, e.Reason)
}

// PortMapping maps one externally exposed host port to a cluster NodePort.
type PortMapping struct {
	ExternalPort uint16
	NodePort     uint16
	Protocol     Protocol
}

// String renders the mapping in the annotation grammar.
func (p PortMapping) String() string {
	if p.Protocol == ProtocolUDP {
		return fmt.Sprintf("%d:%d:udp", p.ExternalPort, p.NodePort)
	}
	return fmt.Sprintf("%d:%d", p.ExternalPort, p.NodePort)
}

// ParsePortMapping parses a single "<ext>:<nodeport>[:proto]" entry.
func ParsePortMapping(s string) (PortMapping, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return PortMapping{}, &ParseError{AnnotationExternalPorts, s, "expected <ext>:<nodeport>[:udp]"}
	}

	ext, err := parsePort(parts[0])
	if err != nil {
		return PortMapping{}, &ParseError{AnnotationExternalPorts, s, err.Error()}
	}
	nodePort, err := parsePort(parts[1])
	if err != nil {
		return PortMapping{}, &ParseError{AnnotationExternalPorts, s, err.Error()}
	}

	proto := ProtocolTCP
	if len(parts) == 3 {
		switch parts[2] {
		case "tcp":
			proto = ProtocolTCP
		case "udp":
			proto = ProtocolUDP
		default:
			return PortMapping{}, &ParseError{AnnotationExternalPorts, s, fmt.Sprintf("unknown protocol %q", parts[2])}
		}
	}

	return PortMapping{ExternalPort: ext, NodePort: nodePort, Protocol: proto}, nil
}

// ParsePortMappings parses the comma-separated externalports annotation.
// Malformed entries are dropped and reported; well-formed entries in the same
// annotation survive.
func ParsePortMappings(s string) ([]PortMapping, []error) {
	var (
		mappings []PortMapping
		errs     []error
	)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			errs = append(errs, &ParseError{AnnotationExternalPorts, s, "empty entry"})
			continue
		}
		mapping, err := ParsePortMapping(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mappings = append(mappings, mapping)
	}
	return mappings, errs
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be between 1 and 65535, got %s", s)
	}
	return uint16(n), nil
}

// ParseAllowRange validates the allow-range annotation: one IPv4 CIDR.
// The returned string is the canonical network form.
func ParseAllowRange(s string) (string, error) {
	ip, network, err := net.ParseCIDR(s)
	if err != nil {
		return "", &ParseError{AnnotationAllowRange, s, "not a CIDR"}
	}
	if ip.To4() == nil {
		return "", &ParseError{AnnotationAllowRange, s, "not an IPv4 range"}
	}
	return network.String(), nil
}

// Node mirrors an upstream node object. Excluded or not-ready nodes stay in
// the state (so the next event can revive them) but contribute no rules.
type Node struct {
	Name      string
	Addresses []string
	Excluded  bool
	Ready     bool
}

// Address returns the node's primary internal address, or "" when none is known.
func (n Node) Address() string {
	if len(n.Addresses) == 0 {
		return ""
	}
	return n.Addresses[0]
}

// Active reports whether the node should receive forwarding rules.
func (n Node) Active() bool {
	return n.Ready && !n.Excluded && n.Address() != ""
}

// Service is an annotated service that wants external ports forwarded.
type Service struct {
	Namespace  string
	Name       string
	Ports      []PortMapping
	Internal   bool
	AllowRange string
}

// FQN returns the namespace-qualified service name.
func (s Service) FQN() string {
	return s.Namespace + "/" + s.Name
}

// State is an immutable snapshot of every node and annotated service known
// to the controller. It is rebuilt from scratch on every change, never
// mutated incrementally.
type State struct {
	Nodes    []Node
	Services []Service
}

// NewState builds a snapshot with deterministic ordering: nodes sorted by
// name, services by namespace/name. Rule fingerprint stability depends on it.
func NewState(nodes []Node, services []Service) State {
	sortedNodes := make([]Node, len(nodes))
	copy(sortedNodes, nodes)
	sort.Slice(sortedNodes, func(i, j int) bool {
		return sortedNodes[i].Name < sortedNodes[j].Name
	})

	sortedServices := make([]Service, len(services))
	copy(sortedServices, services)
	sort.Slice(sortedServices, func(i, j int) bool {
		return sortedServices[i].FQN() < sortedServices[j].FQN()
	})

	return State{Nodes: sortedNodes, Services: sortedServices}
}

// ActiveNodes returns the nodes eligible for forwarding rules, in name order.
func (s State) ActiveNodes() []Node {
	var active []Node
	for _, node := range s.Nodes {
		if node.Active() {
			active = append(active, node)
		}
	}
	return active
}

package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/getbetter-ro/epok/pkg/batch"
	"github.com/getbetter-ro/epok/pkg/resource"
	"github.com/getbetter-ro/epok/pkg/rules"
)

func testRule() rules.DesiredRule {
	return rules.DesiredRule{
		Interface:    "eth0",
		ExternalPort: 25,
		Protocol:     resource.ProtocolTCP,
		NodeAddress:  "10.0.0.1",
		NodePort:     2025,
	}
}

func TestFake_AddThenSaveRoundTrip(t *testing.T) {
	fake := NewFake()
	rule := testRule()
	cmd := rules.AddCommand(rule)

	if err := fake.Apply(context.Background(), batch.Batch{Commands: []rules.Command{cmd}}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	saved, err := fake.SaveRules(context.Background())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	live := rules.ParseLive(saved)
	if !live.Contains(rule.Fingerprint()) {
		t.Errorf("saved output does not contain the installed rule:\n%s", saved)
	}
}

func TestFake_RemoveUsesParsedLiveForm(t *testing.T) {
	fake := NewFake()
	rule := testRule()
	ctx := context.Background()

	if err := fake.Apply(ctx, batch.Batch{Commands: []rules.Command{rules.AddCommand(rule)}}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	saved, err := fake.SaveRules(ctx)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	live := rules.ParseLive(saved)
	lr, ok := live.Get(rule.Fingerprint())
	if !ok {
		t.Fatal("installed rule missing from saved output")
	}

	remove := rules.RemoveCommand(lr.(rules.LiveRule))
	if err := fake.Apply(ctx, batch.Batch{Commands: []rules.Command{remove}}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if lines := fake.Lines(); len(lines) != 0 {
		t.Errorf("rule survived its own removal: %v", lines)
	}
}

func TestFake_AddIsIdempotent(t *testing.T) {
	fake := NewFake()
	cmd := rules.AddCommand(testRule())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := fake.Apply(ctx, batch.Batch{Commands: []rules.Command{cmd}}); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}
	if lines := fake.Lines(); len(lines) != 1 {
		t.Errorf("expected exactly one installed line, got %d", len(lines))
	}
}

func TestFake_SeededForeignRulesSurvive(t *testing.T) {
	fake := NewFake()
	fake.Seed("-A PREROUTING -i docker0 -j RETURN")
	ctx := context.Background()

	rule := testRule()
	if err := fake.Apply(ctx, batch.Batch{Commands: []rules.Command{rules.AddCommand(rule)}}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	saved, _ := fake.SaveRules(ctx)
	live := rules.ParseLive(saved)
	if live.Len() != 1 {
		t.Errorf("parser claimed a foreign rule, live set: %v", live.Fingerprints())
	}
	if lines := fake.Lines(); len(lines) != 2 {
		t.Errorf("expected foreign + owned lines, got %v", lines)
	}
}

func TestFake_FailureInjection(t *testing.T) {
	fake := NewFake()
	fake.FailTransport = 1
	fake.FailCommand = 1
	ctx := context.Background()
	b := batch.Batch{Commands: []rules.Command{rules.AddCommand(testRule())}}

	err := fake.Apply(ctx, b)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected transport error first, got %v", err)
	}

	err = fake.Apply(ctx, b)
	var commandErr *CommandError
	if !errors.As(err, &commandErr) {
		t.Fatalf("expected command error second, got %v", err)
	}

	if err := fake.Apply(ctx, b); err != nil {
		t.Fatalf("expected third apply to succeed, got %v", err)
	}
	if fake.ApplyCalls != 3 {
		t.Errorf("expected 3 apply calls, got %d", fake.ApplyCalls)
	}
}

func TestFake_EmptyArgsIsMalformed(t *testing.T) {
	fake := NewFake()
	err := fake.Apply(context.Background(), batch.Batch{Commands: []rules.Command{{
		Kind:     rules.Add,
		Rendered: "iptables",
	}}})
	var malformedErr *MalformedError
	if !errors.As(err, &malformedErr) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

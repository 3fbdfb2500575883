package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/getbetter-ro/epok/pkg/config"
	"github.com/getbetter-ro/epok/pkg/executor"
	"github.com/getbetter-ro/epok/pkg/operator"
	"github.com/getbetter-ro/epok/pkg/resource"
	"github.com/getbetter-ro/epok/pkg/rules"
	"github.com/getbetter-ro/epok/pkg/watcher"
)

// harness assembles the full pipeline over a fake cluster and a fake host:
// informers feed the watcher, the operator diffs against the in-memory
// executor, and the test drives the cluster through the clientset.
type harness struct {
	clientset kubernetes.Interface
	host      *executor.Fake
	cancel    context.CancelFunc
	done      chan struct{}
}

// startHarness brings up the watcher and operator against the given initial
// cluster objects and returns once both loops are running.
func startHarness(t *testing.T, configPath string, objects ...runtime.Object) *harness {
	t.Helper()
	h := newHarness(t, objects...)
	h.start(t, configPath)
	return h
}

// newHarness builds the fake cluster and host without starting the loops, so
// tests can seed the host first.
func newHarness(t *testing.T, objects ...runtime.Object) *harness {
	t.Helper()
	return &harness{
		clientset: fake.NewSimpleClientset(objects...),
		host:      executor.NewFake(),
		done:      make(chan struct{}),
	}
}

func (h *harness) start(t *testing.T, configPath string) {
	t.Helper()

	v := viper.New()
	v.SetDefault("interfaces", []string{"eth0"})
	v.SetDefault("batch-commands", true)
	v.SetDefault("batch-size", config.DefaultBatchSize)
	v.SetDefault("debounce", 20*time.Millisecond)
	v.SetDefault("resync", config.DefaultResync)

	mgr, err := config.NewManager(v, configPath, zap.NewNop())
	if err != nil {
		t.Fatalf("config.NewManager failed: %v", err)
	}
	mgr.Watch()

	w := watcher.NewWithClientset(h.clientset, zap.NewNop())
	op := operator.New(
		h.host,
		executor.RetryPolicy{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			Multiplier:  2.0,
			Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
		},
		mgr.Options,
		w.Events(),
		mgr.OnChange(),
		zap.NewNop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := w.Run(ctx); err != nil {
			t.Errorf("watcher run failed: %v", err)
		}
	}()
	go func() {
		defer close(h.done)
		_ = op.Run(ctx)
		<-watchDone
	}()

	t.Cleanup(h.stop)
}

// stop is safe to call more than once; t.Cleanup always calls it last.
func (h *harness) stop() {
	h.cancel()
	<-h.done
}

// writeTestConfig writes YAML content to a config file in its own temp dir.
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "epok.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

func annotatedService(name string, annotations map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:   "default",
			Name:        name,
			Annotations: annotations,
		},
	}
}

func readyNode(name, address string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Addresses:  []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: address}},
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
}

// ownedRules returns the fingerprint-tagged rules currently on the fake host.
func ownedRules(t *testing.T, host *executor.Fake) *rules.RuleSet {
	t.Helper()
	saved, err := host.SaveRules(context.Background())
	if err != nil {
		t.Fatalf("failed to read host rules: %v", err)
	}
	return rules.ParseLive(saved)
}

// requireRuleCount polls until exactly expected owned rules are installed.
func requireRuleCount(t *testing.T, host *executor.Fake, expected int) *rules.RuleSet {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		live := ownedRules(t, host)
		if live.Len() == expected {
			return live
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d owned rules, got %d: %v", expected, live.Len(), live.Fingerprints())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// externalPorts is shorthand for the annotation set declaring port mappings.
func externalPorts(spec string) map[string]string {
	return map[string]string{resource.AnnotationExternalPorts: spec}
}

// Package watcher mirrors cluster Services and Nodes into typed state
// snapshots. Every change publishes a fresh full snapshot; the operator
// coalesces and consumes them at its own pace.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/getbetter-ro/epok/pkg/resource"
)

// syncTimeout bounds the initial cache sync; an API server that cannot be
// reached within it is a fatal startup failure.
const syncTimeout = 30 * time.Second

// Watcher converts informer events into resource.State snapshots.
type Watcher struct {
	clientset kubernetes.Interface
	logger    *zap.Logger

	mu       sync.Mutex
	nodes    map[string]resource.Node
	services map[string]resource.Service
	synced   bool

	events chan resource.State
}

// New creates a Watcher against the cluster this process belongs to:
// in-cluster config when running as a pod, the default kubeconfig otherwise.
func New(logger *zap.Logger) (*Watcher, error) {
	cfg, err := loadRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}
	return NewWithClientset(clientset, logger), nil
}

// NewWithClientset creates a Watcher over a pre-built clientset. Tests use
// it with a fake clientset.
func NewWithClientset(clientset kubernetes.Interface, logger *zap.Logger) *Watcher {
	return &Watcher{
		clientset: clientset,
		logger:    logger,
		nodes:     make(map[string]resource.Node),
		services:  make(map[string]resource.Service),
		events:    make(chan resource.State, 1),
	}
}

func loadRESTConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{},
	).ClientConfig()
}

// Events delivers state snapshots. The channel holds at most one pending
// snapshot; a newer one replaces it, so consumers always see the latest.
func (w *Watcher) Events() <-chan resource.State {
	return w.events
}

// Run starts the informers, waits for the initial cache sync, publishes the
// first snapshot, and then keeps the mirror current until the context ends.
// A failed initial sync is fatal.
func (w *Watcher) Run(ctx context.Context) error {
	factory := informers.NewSharedInformerFactory(w.clientset, 0)
	serviceInformer := factory.Core().V1().Services().Informer()
	nodeInformer := factory.Core().V1().Nodes().Informer()

	if _, err := serviceInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.upsertService(obj) },
		UpdateFunc: func(_, obj interface{}) { w.upsertService(obj) },
		DeleteFunc: func(obj interface{}) { w.deleteService(obj) },
	}); err != nil {
		return fmt.Errorf("failed to register service handler: %w", err)
	}
	if _, err := nodeInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.upsertNode(obj) },
		UpdateFunc: func(_, obj interface{}) { w.upsertNode(obj) },
		DeleteFunc: func(obj interface{}) { w.deleteNode(obj) },
	}); err != nil {
		return fmt.Errorf("failed to register node handler: %w", err)
	}

	factory.Start(ctx.Done())

	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if !cache.WaitForCacheSync(syncCtx.Done(), serviceInformer.HasSynced, nodeInformer.HasSynced) {
		return fmt.Errorf("failed to sync resource caches within %s", syncTimeout)
	}

	w.mu.Lock()
	w.synced = true
	serviceCount, nodeCount := len(w.services), len(w.nodes)
	w.mu.Unlock()
	w.publish()
	w.logger.Info("resource watch established",
		zap.Int("services", serviceCount),
		zap.Int("nodes", nodeCount),
	)

	<-ctx.Done()
	w.logger.Info("resource watch stopped")
	return nil
}

func (w *Watcher) upsertService(obj interface{}) {
	cs, ok := obj.(*corev1.Service)
	if !ok {
		return
	}
	key := cs.GetNamespace() + "/" + cs.GetName()

	svc, wanted := resource.FromCoreService(cs, w.logger)

	w.mu.Lock()
	if wanted {
		w.services[key] = svc
	} else {
		delete(w.services, key)
	}
	w.mu.Unlock()
	w.publish()
}

func (w *Watcher) deleteService(obj interface{}) {
	cs, ok := obj.(*corev1.Service)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			return
		}
		if cs, ok = tombstone.Obj.(*corev1.Service); !ok {
			return
		}
	}
	key := cs.GetNamespace() + "/" + cs.GetName()

	w.mu.Lock()
	delete(w.services, key)
	w.mu.Unlock()
	w.publish()
}

func (w *Watcher) upsertNode(obj interface{}) {
	cn, ok := obj.(*corev1.Node)
	if !ok {
		return
	}
	node := resource.FromCoreNode(cn)

	w.mu.Lock()
	w.nodes[node.Name] = node
	w.mu.Unlock()
	w.publish()
}

func (w *Watcher) deleteNode(obj interface{}) {
	cn, ok := obj.(*corev1.Node)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			return
		}
		if cn, ok = tombstone.Obj.(*corev1.Node); !ok {
			return
		}
	}

	w.mu.Lock()
	delete(w.nodes, cn.GetName())
	w.mu.Unlock()
	w.publish()
}

// publish pushes the current snapshot, replacing any pending one. Publishes
// before the initial sync are suppressed so the operator never reconciles
// against a half-listed cluster.
func (w *Watcher) publish() {
	w.mu.Lock()
	if !w.synced {
		w.mu.Unlock()
		return
	}
	nodes := make([]resource.Node, 0, len(w.nodes))
	for _, n := range w.nodes {
		nodes = append(nodes, n)
	}
	services := make([]resource.Service, 0, len(w.services))
	for _, s := range w.services {
		services = append(services, s)
	}
	w.mu.Unlock()

	state := resource.NewState(nodes, services)
	for {
		select {
		case w.events <- state:
			return
		default:
			select {
			case <-w.events:
			default:
			}
		}
	}
}

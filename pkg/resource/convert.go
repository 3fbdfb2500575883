package resource

import (
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
)

// FromCoreService converts a core/v1 Service into a typed Service record.
// Services without the externalports annotation are not epok's business and
// return ok=false. Parse failures degrade gracefully: bad port entries are
// dropped with a warning, a bad allow-range skips the whole service (failing
// open on a malformed source filter would widen exposure instead of
// narrowing it).
func FromCoreService(cs *corev1.Service, logger *zap.Logger) (Service, bool) {
	annotations := cs.GetAnnotations()
	raw, ok := annotations[AnnotationExternalPorts]
	if !ok {
		return Service{}, false
	}

	svc := Service{
		Namespace: cs.GetNamespace(),
		Name:      cs.GetName(),
	}

	ports, errs := ParsePortMappings(raw)
	for _, err := range errs {
		logger.Warn("skipping malformed external port entry",
			zap.String("service", svc.FQN()),
			zap.Error(err),
		)
	}
	if len(ports) == 0 {
		return Service{}, false
	}
	svc.Ports = ports

	if _, ok := annotations[AnnotationInternal]; ok {
		svc.Internal = true
	}

	if raw, ok := annotations[AnnotationAllowRange]; ok {
		allowRange, err := ParseAllowRange(raw)
		if err != nil {
			logger.Warn("skipping service with malformed allow-range",
				zap.String("service", svc.FQN()),
				zap.Error(err),
			)
			return Service{}, false
		}
		svc.AllowRange = allowRange
	}

	return svc, true
}

// FromCoreNode converts a core/v1 Node into a typed Node record. A node is
// excluded by the exclude annotation or the exclude label, whichever is
// present.
func FromCoreNode(cn *corev1.Node) Node {
	node := Node{Name: cn.GetName()}

	for _, addr := range cn.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			node.Addresses = append(node.Addresses, addr.Address)
		}
	}

	for _, cond := range cn.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			node.Ready = true
			break
		}
	}

	if _, ok := cn.GetAnnotations()[AnnotationNodeExclude]; ok {
		node.Excluded = true
	}
	if _, ok := cn.GetLabels()[LabelNodeExclude]; ok {
		node.Excluded = true
	}

	return node
}

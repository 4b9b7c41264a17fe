package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/skyway-agent/internal/cloudapi"
)

// KubeConfig configures the Kubernetes oracle.
type KubeConfig struct {
	// ClassLabel is the node label carrying the class name. Pending pods
	// select a class with the same key in their nodeSelector.
	ClassLabel string
	Logger     *slog.Logger
}

// KubeOracle treats cordoned class nodes as drained placeholders, NotReady
// nodes as down, and Ready nodes with no workload pods as idle.
type KubeOracle struct {
	client kubernetes.Interface
	label  string
	logger *slog.Logger
}

// NewKubeOracle creates an oracle over an existing clientset.
func NewKubeOracle(client kubernetes.Interface, cfg KubeConfig) *KubeOracle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KubeOracle{client: client, label: cfg.ClassLabel, logger: logger}
}

// NewClientset builds a clientset from the in-cluster environment, falling
// back to a kubeconfig file (path, then $KUBECONFIG, then ~/.kube/config).
func NewClientset(path string) (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil || path != "" {
		kubeconfig := path
		if kubeconfig == "" {
			kubeconfig = os.Getenv("KUBECONFIG")
		}
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

// Snapshot implements Oracle.
func (o *KubeOracle) Snapshot(ctx context.Context, class cloudapi.NodeClass) (Snapshot, error) {
	selector := labels.SelectorFromSet(labels.Set{o.label: class.Name}).String()
	nodes, err := o.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list nodes for %s: %w", class.Name, err)
	}

	var snap Snapshot
	for i := range nodes.Items {
		node := &nodes.Items[i]
		switch {
		case node.Spec.Unschedulable:
			snap.Drained = append(snap.Drained, node.Name)
		case !isNodeReady(node):
			snap.Down = append(snap.Down, node.Name)
		default:
			busy, err := o.hasWorkload(ctx, node.Name)
			if err != nil {
				return Snapshot{}, err
			}
			if !busy {
				snap.Idle = append(snap.Idle, node.Name)
			}
		}
	}

	pods, err := o.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{FieldSelector: "status.phase=Pending"})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list pending pods: %w", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodPending || pod.Spec.NodeName != "" {
			continue
		}
		if pod.Spec.NodeSelector[o.label] == class.Name {
			snap.PendingJobs++
		}
	}
	return snap, nil
}

// hasWorkload reports whether any non-DaemonSet, non-mirror pod is running on the node.
func (o *KubeOracle) hasWorkload(ctx context.Context, nodeName string) (bool, error) {
	pods, err := o.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", nodeName),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list pods on %s: %w", nodeName, err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Spec.NodeName != nodeName || isDaemonSetPod(pod) || isMirrorPod(pod) {
			continue
		}
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		return true, nil
	}
	return false, nil
}

// Hint implements Oracle: resume uncordons, drain cordons.
func (o *KubeOracle) Hint(ctx context.Context, name string, h Hint) error {
	var unschedulable bool
	switch h.Kind {
	case HintResume:
		unschedulable = false
	case HintDrain:
		unschedulable = true
	default:
		return fmt.Errorf("cluster: unknown hint %q", h.Kind)
	}

	node, err := o.client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if node.Spec.Unschedulable == unschedulable {
		o.logger.Debug("node already in requested state", "node", name, "hint", string(h.Kind))
		return nil
	}
	node.Spec.Unschedulable = unschedulable
	if _, err := o.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to %s node %s: %w", h.Kind, name, err)
	}
	o.logger.Info("scheduler hint sent", "node", name, "hint", string(h.Kind))
	return nil
}

func isNodeReady(node *corev1.Node) bool {
	for _, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func isDaemonSetPod(pod *corev1.Pod) bool {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func isMirrorPod(pod *corev1.Pod) bool {
	_, exists := pod.Annotations[corev1.MirrorPodAnnotationKey]
	return exists
}

// Compile-time interface check
var _ Oracle = (*KubeOracle)(nil)

// Package preflight validates the environment before any unit starts:
// port mapping sanity, local port availability, kubectl presence, and the
// existence and readiness of the forwarded resource in the cluster.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // auth providers for managed clusters
	"k8s.io/client-go/tools/clientcmd"

	"kpf/internal/target"
	"kpf/pkg/logging"
)

const subsystem = "preflight"

// Function variables for testing.
var (
	listenFn = net.Listen

	kubectlVersionFn = func() error {
		return exec.Command("kubectl", "version", "--client").Run()
	}

	// NewClientsetFn builds the Kubernetes client used for resource checks.
	NewClientsetFn = newClientset
)

func newClientset() (kubernetes.Interface, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	restConfig, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(restConfig)
}

// Run executes all preflight checks for the target, in order, and returns
// the first failure. Cluster-side checks reuse a single clientset.
func Run(ctx context.Context, tgt *target.Target) error {
	if err := ValidatePorts(tgt.LocalPort, tgt.RemotePort); err != nil {
		return err
	}
	if err := ValidateLocalPortAvailable(tgt.LocalPort); err != nil {
		return err
	}
	if err := ValidateKubectlPresent(); err != nil {
		return err
	}

	client, err := NewClientsetFn()
	if err != nil {
		return err
	}
	return ValidateResource(ctx, client, tgt)
}

// ValidatePorts checks that both sides of the port mapping are in the valid
// TCP range.
func ValidatePorts(localPort, remotePort int) error {
	for _, p := range []struct {
		name string
		port int
	}{
		{"local", localPort},
		{"remote", remotePort},
	} {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s port %d is out of range (must be 1-65535)", p.name, p.port)
		}
	}
	return nil
}

// ValidateLocalPortAvailable verifies the local port can actually be bound,
// so a conflict surfaces before kubectl is spawned.
func ValidateLocalPortAvailable(port int) error {
	ln, err := listenFn("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("local port %d is not available: %w", port, err)
	}
	_ = ln.Close()
	return nil
}

// ValidateKubectlPresent checks that kubectl is installed and runnable.
func ValidateKubectlPresent() error {
	if err := kubectlVersionFn(); err != nil {
		return fmt.Errorf("kubectl is not available on PATH: %w", err)
	}
	return nil
}

// ValidateResource checks that the forwarded resource exists in its
// namespace and is in a state that can accept traffic.
func ValidateResource(ctx context.Context, client kubernetes.Interface, tgt *target.Target) error {
	logging.Debug(subsystem, "Checking %s in namespace %s", tgt.Resource(), tgt.Namespace)

	switch tgt.Kind {
	case target.KindService:
		return validateService(ctx, client, tgt.Namespace, tgt.Name)
	case target.KindPod:
		return validatePod(ctx, client, tgt.Namespace, tgt.Name)
	case target.KindDeployment:
		return validateDeployment(ctx, client, tgt.Namespace, tgt.Name)
	case target.KindReplicaSet:
		return validateReplicaSet(ctx, client, tgt.Namespace, tgt.Name)
	default:
		return fmt.Errorf("unsupported resource kind %q", tgt.Kind)
	}
}

func validateService(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	svc, err := client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("service %q not found in namespace %q", name, namespace)
	}
	if err != nil {
		return fmt.Errorf("failed to get service %s/%s: %w", namespace, name, err)
	}

	ep, err := client.CoreV1().Endpoints(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to get endpoints for service %s/%s: %w", namespace, name, err)
	}
	if err == nil && readyAddressCount(ep) > 0 {
		return nil
	}

	hint := ""
	if len(svc.Spec.Selector) > 0 {
		selector := formatSelector(svc.Spec.Selector)
		hint = fmt.Sprintf(", check the backing pods with: kubectl get pods -n %s -l %s", namespace, selector)
	}
	return fmt.Errorf("service %q in namespace %q has no ready endpoints%s", name, namespace, hint)
}

func validatePod(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	pod, err := client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("pod %q not found in namespace %q", name, namespace)
	}
	if err != nil {
		return fmt.Errorf("failed to get pod %s/%s: %w", namespace, name, err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return fmt.Errorf("pod %q is not running (phase %s)", name, pod.Status.Phase)
	}
	return nil
}

func validateDeployment(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	dep, err := client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("deployment %q not found in namespace %q", name, namespace)
	}
	if err != nil {
		return fmt.Errorf("failed to get deployment %s/%s: %w", namespace, name, err)
	}
	if dep.Status.ReadyReplicas == 0 {
		return fmt.Errorf("deployment %q has no ready replicas", name)
	}
	return nil
}

func validateReplicaSet(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	rs, err := client.AppsV1().ReplicaSets(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("replicaset %q not found in namespace %q", name, namespace)
	}
	if err != nil {
		return fmt.Errorf("failed to get replicaset %s/%s: %w", namespace, name, err)
	}
	if rs.Status.ReadyReplicas == 0 {
		return fmt.Errorf("replicaset %q has no ready replicas", name)
	}
	return nil
}

func readyAddressCount(ep *corev1.Endpoints) int {
	n := 0
	for _, subset := range ep.Subsets {
		n += len(subset.Addresses)
	}
	return n
}

func formatSelector(selector map[string]string) string {
	pairs := make([]string, 0, len(selector))
	for k, v := range selector {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

package target

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/client-go/tools/clientcmd"
)

// Kind is the kind of Kubernetes resource being forwarded to.
type Kind string

const (
	KindService    Kind = "service"
	KindPod        Kind = "pod"
	KindDeployment Kind = "deployment"
	KindReplicaSet Kind = "replicaset"
)

// kindAliases maps every accepted kind token (including kubectl short
// names) to its canonical Kind.
var kindAliases = map[string]Kind{
	"svc":        KindService,
	"service":    KindService,
	"pod":        KindPod,
	"deploy":     KindDeployment,
	"deployment": KindDeployment,
	"rs":         KindReplicaSet,
	"replicaset": KindReplicaSet,
}

// Target is the forward target derived from the pass-through kubectl
// port-forward arguments: one resource reference, one local:remote port
// pair, and a namespace.
type Target struct {
	Kind       Kind
	Name       string
	Namespace  string
	LocalPort  int
	RemotePort int

	// Args are the raw pass-through arguments the kubectl child is
	// launched with. Kept verbatim so unknown kubectl flags survive.
	Args []string
}

// Resource returns the kind/name reference, e.g. "service/frontend".
func (t *Target) Resource() string {
	return fmt.Sprintf("%s/%s", t.Kind, t.Name)
}

// CurrentNamespaceFn resolves the namespace of the active kubeconfig
// context. Variable for mocking in tests.
var CurrentNamespaceFn = currentContextNamespace

// Parse extracts the forward target from pass-through arguments like
// ["svc/frontend", "8080:8080", "-n", "production"]. Exactly one resource
// reference and one port pair must be present or parsing fails, before any
// process is started. When no namespace flag is given, the current
// kubeconfig context's namespace is used, falling back to "default" when
// the context does not name one.
func Parse(args []string) (*Target, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no port-forward arguments given")
	}

	t := &Target{Args: args}

	for _, arg := range args {
		if strings.HasPrefix(arg, "-") || !strings.Contains(arg, "/") {
			continue
		}
		parts := strings.SplitN(arg, "/", 2)
		kind, ok := kindAliases[strings.ToLower(parts[0])]
		if !ok || parts[1] == "" {
			continue
		}
		t.Kind = kind
		t.Name = parts[1]
		break
	}
	if t.Name == "" {
		return nil, fmt.Errorf("could not determine resource from arguments, expected 'svc/name', 'pod/name', 'deploy/name' or 'rs/name'")
	}

	local, remote, err := portMapping(args)
	if err != nil {
		return nil, err
	}
	t.LocalPort = local
	t.RemotePort = remote

	t.Namespace = namespaceFromArgs(args)
	if t.Namespace == "" {
		// A bare trailing -n/--namespace would swallow the value appended
		// below, so drop it first.
		if n := len(t.Args); n > 0 && (t.Args[n-1] == "-n" || t.Args[n-1] == "--namespace") {
			t.Args = t.Args[:n-1]
		}
		// Make the namespace explicit on the kubectl command line too, so
		// the child and the endpoint watch agree on what they look at.
		t.Namespace = CurrentNamespaceFn()
		t.Args = append(t.Args, "-n", t.Namespace)
	}

	return t, nil
}

// portMapping finds the single local:remote pair among the arguments.
func portMapping(args []string) (local, remote int, err error) {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") || !strings.Contains(arg, ":") {
			continue
		}
		parts := strings.SplitN(arg, ":", 2)
		local, lerr := strconv.Atoi(parts[0])
		remote, rerr := strconv.Atoi(parts[1])
		if lerr != nil || rerr != nil {
			return 0, 0, fmt.Errorf("invalid port mapping %q, expected 'local:remote' (e.g. 8080:80)", arg)
		}
		return local, remote, nil
	}
	return 0, 0, fmt.Errorf("no port mapping found, expected 'local:remote' (e.g. 8080:80)")
}

// namespaceFromArgs returns the value of -n/--namespace, or "" when the
// flag is absent or trailing without a value.
func namespaceFromArgs(args []string) string {
	for i, arg := range args {
		if (arg == "-n" || arg == "--namespace") && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--namespace=") {
			return strings.TrimPrefix(arg, "--namespace=")
		}
	}
	return ""
}

// currentContextNamespace reads the active context's namespace from the
// kubeconfig, the same way kubectl resolves it.
func currentContextNamespace() string {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	ns, _, err := kubeConfig.Namespace()
	if err != nil || ns == "" {
		return "default"
	}
	return ns
}

package source

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// podsSource lists container statuses from the Kubernetes API.
type podsSource struct {
	id        string
	namespace string
	timeout   time.Duration
	client    kubernetes.Interface
}

// newPods uses the in-cluster service account when available and falls back
// to src.Kubeconfig (or the default ~/.kube/config).
func newPods(id string, src config.Source) (*podsSource, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := src.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("source %q: load kubeconfig: %w", id, err)
		}
	}
	restCfg.Timeout = src.Timeout

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("source %q: kubernetes client: %w", id, err)
	}
	return &podsSource{id: id, namespace: src.Namespace, timeout: src.Timeout, client: client}, nil
}

func (s *podsSource) Kind() Kind { return KindList }

// Sample returns one Entity per container status. Value is the restart count;
// Labels carry namespace, pod, container and the waiting reason (empty when
// the container is not waiting).
func (s *podsSource) Sample(ctx context.Context) (*Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pods, err := s.client.CoreV1().Pods(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, unavailable(s.id, err)
	}

	obs := &Observation{SourceID: s.id, Kind: KindList, Timestamp: time.Now()}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			reason := ""
			if cs.State.Waiting != nil {
				reason = cs.State.Waiting.Reason
			}
			obs.Entities = append(obs.Entities, Entity{
				Name: fmt.Sprintf("%s/%s container=%s", pod.Namespace, pod.Name, cs.Name),
				Labels: map[string]string{
					"namespace": pod.Namespace,
					"pod":       pod.Name,
					"container": cs.Name,
					"reason":    reason,
				},
				Value: float64(cs.RestartCount),
			})
		}
	}
	return obs, nil
}

package target

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Labels attached to pod log entries
const (
	NamespaceLabel = "namespace"
	PodLabel       = "pod"
	ContainerLabel = "container"
	NodeNameLabel  = "__kubernetes_node_name"
	PodLabelPrefix = "__kubernetes_pod_label_"
)

const defaultKubernetesResync = 10 * time.Second

// KubernetesTarget follows the logs of running pods
type KubernetesTarget struct {
	base
	cfg    config.KubernetesTargetConfig
	client kubernetes.Interface

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pods    map[string]*podStreams
	running bool
}

// podStreams tracks the log streams of one pod
type podStreams struct {
	namespace  string
	name       string
	containers []string
	cancel     context.CancelFunc
}

// NewKubernetesTarget connects to the cluster using the kubeconfig file, or
// the in-cluster config when none is given
func NewKubernetesTarget(job string, cfg config.KubernetesTargetConfig, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) (*KubernetesTarget, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}
	return newKubernetesTarget(job, cfg, clientset, next, collector, logger), nil
}

func newKubernetesTarget(job string, cfg config.KubernetesTargetConfig, client kubernetes.Interface, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) *KubernetesTarget {
	if cfg.SyncPeriod <= 0 {
		cfg.SyncPeriod = defaultKubernetesResync
	}
	if cfg.Namespace == "" {
		cfg.Namespace = corev1.NamespaceAll
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KubernetesTarget{
		base:   newBase(job, TypeKubernetes, cfg.Labels, next, collector, logger),
		cfg:    cfg,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		pods:   make(map[string]*podStreams),
	}
}

// Start lists running pods and watches for changes
func (k *KubernetesTarget) Start() error {
	if err := k.sync(); err != nil {
		return err
	}

	k.wg.Add(1)
	go k.watchLoop()

	k.mu.Lock()
	k.running = true
	k.mu.Unlock()
	k.active(1)

	k.logger.Info().
		Str("namespace", k.cfg.Namespace).
		Str("label_selector", k.cfg.LabelSelector).
		Msg("Kubernetes target started")
	return nil
}

// Stop cancels every log stream
func (k *KubernetesTarget) Stop() error {
	k.logger.Info().Msg("Stopping Kubernetes target")
	k.cancel()
	k.wg.Wait()

	k.mu.Lock()
	k.pods = make(map[string]*podStreams)
	wasRunning := k.running
	k.running = false
	k.mu.Unlock()
	if wasRunning {
		k.active(-1)
	}
	return nil
}

// Ready reports whether the target is running
func (k *KubernetesTarget) Ready() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// Status lists the followed pods
func (k *KubernetesTarget) Status() Status {
	k.mu.Lock()
	pods := make(map[string][]string, len(k.pods))
	for key, p := range k.pods {
		pods[key] = p.containers
	}
	k.mu.Unlock()

	return Status{
		Job:    k.job,
		Type:   k.typ,
		Ready:  k.Ready(),
		Labels: k.labels,
		Details: map[string]any{
			"namespace":      k.cfg.Namespace,
			"label_selector": k.cfg.LabelSelector,
			"pods":           pods,
		},
	}
}

func (k *KubernetesTarget) listOptions() metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: k.cfg.LabelSelector}
}

// sync lists pods and follows every running one not already followed
func (k *KubernetesTarget) sync() error {
	list, err := k.client.CoreV1().Pods(k.cfg.Namespace).List(k.ctx, k.listOptions())
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}

	for i := range list.Items {
		pod := &list.Items[i]
		if pod.Status.Phase == corev1.PodRunning {
			k.podAdded(pod)
		}
	}
	return nil
}

// watchLoop follows pod events, re-listing whenever the watch ends
func (k *KubernetesTarget) watchLoop() {
	defer k.wg.Done()

	for {
		w, err := k.client.CoreV1().Pods(k.cfg.Namespace).Watch(k.ctx, k.listOptions())
		if err != nil {
			k.logger.Error().Err(err).Msg("Failed to watch pods")
		} else {
			k.consumeEvents(w)
		}

		select {
		case <-k.ctx.Done():
			return
		case <-time.After(k.cfg.SyncPeriod):
		}
		if err := k.sync(); err != nil {
			k.logger.Warn().Err(err).Msg("Failed to resync pods")
		}
	}
}

func (k *KubernetesTarget) consumeEvents(w watch.Interface) {
	defer w.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case event, ok := <-w.ResultChan():
			if !ok {
				return
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}

			switch event.Type {
			case watch.Added, watch.Modified:
				if pod.Status.Phase == corev1.PodRunning {
					k.podAdded(pod)
				} else {
					k.podDeleted(pod)
				}
			case watch.Deleted:
				k.podDeleted(pod)
			}
		}
	}
}

func (k *KubernetesTarget) podAdded(pod *corev1.Pod) {
	key := pod.Namespace + "/" + pod.Name

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.pods[key]; ok || k.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(k.ctx)
	ps := &podStreams{namespace: pod.Namespace, name: pod.Name, cancel: cancel}

	ls := k.podLabels(pod)
	for _, c := range pod.Spec.Containers {
		ps.containers = append(ps.containers, c.Name)
		k.wg.Add(1)
		go k.follow(ctx, ps, c.Name, ls)
	}
	k.pods[key] = ps

	k.logger.Info().
		Str("namespace", pod.Namespace).
		Str("pod", pod.Name).
		Int("containers", len(ps.containers)).
		Msg("Following pod logs")
}

func (k *KubernetesTarget) podDeleted(pod *corev1.Pod) {
	key := pod.Namespace + "/" + pod.Name

	k.mu.Lock()
	ps, ok := k.pods[key]
	if ok {
		ps.cancel()
		delete(k.pods, key)
	}
	k.mu.Unlock()

	if ok {
		k.logger.Info().Str("namespace", pod.Namespace).Str("pod", pod.Name).Msg("Stopped following pod")
	}
}

// podLabels returns the target labels plus pod metadata
func (k *KubernetesTarget) podLabels(pod *corev1.Pod) types.LabelSet {
	ls := k.labels.Clone()
	if ls == nil {
		ls = make(types.LabelSet)
	}
	ls[NamespaceLabel] = pod.Namespace
	ls[PodLabel] = pod.Name
	if pod.Spec.NodeName != "" {
		ls[NodeNameLabel] = pod.Spec.NodeName
	}
	for name, value := range pod.Labels {
		ls[PodLabelPrefix+sanitizeLabelName(name)] = value
	}
	return ls
}

// follow streams one container's log, reopening it after the stream ends
// from the last timestamp seen
func (k *KubernetesTarget) follow(ctx context.Context, ps *podStreams, container string, ls types.LabelSet) {
	defer k.wg.Done()

	ls = ls.Clone()
	ls[ContainerLabel] = container
	source := fmt.Sprintf("%s/%s/%s", ps.namespace, ps.name, container)

	opts := &corev1.PodLogOptions{
		Container:  container,
		Follow:     true,
		Timestamps: true,
	}
	if k.cfg.TailLines > 0 {
		tail := k.cfg.TailLines
		opts.TailLines = &tail
	}

	for {
		last, err := k.stream(ctx, ps, opts, source, ls)
		if err != nil && ctx.Err() == nil {
			k.logger.Warn().Err(err).Str("source", source).Msg("Container log stream failed")
		}
		if !last.IsZero() {
			since := metav1.NewTime(last)
			opts.SinceTime = &since
			opts.TailLines = nil
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(k.cfg.SyncPeriod):
		}
	}
}

// stream reads one log stream until it ends, returning the newest timestamp
func (k *KubernetesTarget) stream(ctx context.Context, ps *podStreams, opts *corev1.PodLogOptions, source string, ls types.LabelSet) (time.Time, error) {
	var last time.Time

	rc, err := k.client.CoreV1().Pods(ps.namespace).GetLogs(ps.name, opts).Stream(ctx)
	if err != nil {
		return last, fmt.Errorf("failed to open log stream: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ts, line := splitTimestamp(scanner.Text())
		if opts.SinceTime != nil && !ts.After(opts.SinceTime.Time) {
			continue // shipped before the stream was reopened
		}
		if ts.After(last) {
			last = ts
		}

		e := types.NewEntry(source, line, ts, ls)
		for name, value := range ls {
			if strings.HasPrefix(name, "__") {
				e.Extracted[name] = value
			}
		}
		if err := k.next.Handle(ctx, e); err != nil {
			return last, err
		}
		k.received(1)
	}
	return last, scanner.Err()
}

// splitTimestamp splits the RFC3339 prefix the API server adds to every line
func splitTimestamp(raw string) (time.Time, string) {
	prefix, rest, ok := strings.Cut(raw, " ")
	if ok {
		if ts, err := time.Parse(time.RFC3339Nano, prefix); err == nil {
			return ts, rest
		}
	}
	return time.Now(), raw
}

func sanitizeLabelName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}

// ABOUTME: Kubernetes discovery listing images of Deployments and StatefulSets.
// ABOUTME: Git coordinates come from pod template annotations on each workload.

package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	AnnotationGitURL = "scanrelay.io/git-url"
	AnnotationGitSHA = "scanrelay.io/git-sha"
)

// KubeSource implements Source against the Kubernetes API
type KubeSource struct {
	clientset  kubernetes.Interface
	namespace  string
	skipPrefix string
	logger     *logrus.Logger
}

// NewKubeSource connects with in-cluster config, falling back to the local
// kubeconfig. An empty namespace lists every namespace.
func NewKubeSource(namespace, skipPrefix string, logger *logrus.Logger) (*KubeSource, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("In-cluster config not available, trying kubeconfig")
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	logger.Info("Successfully connected to Kubernetes cluster")
	return NewKubeSourceWithClient(clientset, namespace, skipPrefix, logger), nil
}

func NewKubeSourceWithClient(clientset kubernetes.Interface, namespace, skipPrefix string, logger *logrus.Logger) *KubeSource {
	return &KubeSource{
		clientset:  clientset,
		namespace:  namespace,
		skipPrefix: skipPrefix,
		logger:     logger,
	}
}

func (k *KubeSource) Name() string {
	return SourceKube
}

// Discover returns each image once, keeping the first workload it was found in
func (k *KubeSource) Discover(ctx context.Context) ([]types.ImageTarget, error) {
	logger := k.logger.WithFields(logrus.Fields{
		"operation": "discover_images_kube",
		"namespace": k.namespace,
	})

	deployments, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	statefulSets, err := k.clientset.AppsV1().StatefulSets(k.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list statefulsets: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"deployment_count":  len(deployments.Items),
		"statefulset_count": len(statefulSets.Items),
	}).Info("Processing workloads")

	seen := make(map[string]bool)
	var images []types.ImageTarget
	add := func(template corev1.PodTemplateSpec, namespace, workload, workloadType string) {
		for _, target := range k.extractImages(template, namespace, workload, workloadType) {
			if seen[target.Image] {
				continue
			}
			seen[target.Image] = true
			images = append(images, target)
		}
	}

	for _, d := range deployments.Items {
		add(d.Spec.Template, d.Namespace, d.Name, "Deployment")
	}
	for _, s := range statefulSets.Items {
		add(s.Spec.Template, s.Namespace, s.Name, "StatefulSet")
	}

	logger.WithField("image_count", len(images)).Info("Kube image discovery completed")
	return images, nil
}

func (k *KubeSource) extractImages(template corev1.PodTemplateSpec, namespace, workload, workloadType string) []types.ImageTarget {
	gitURL := template.Annotations[AnnotationGitURL]
	gitSHA := template.Annotations[AnnotationGitSHA]

	var images []types.ImageTarget
	for _, containers := range [][]corev1.Container{template.Spec.InitContainers, template.Spec.Containers} {
		for _, container := range containers {
			if container.Image == "" || (k.skipPrefix != "" && strings.HasPrefix(container.Image, k.skipPrefix)) {
				continue
			}
			images = append(images, types.ImageTarget{
				Image:        container.Image,
				GitURL:       gitURL,
				GitSHA:       gitSHA,
				Namespace:    namespace,
				Workload:     workload,
				WorkloadType: workloadType,
			})
		}
	}
	return images
}

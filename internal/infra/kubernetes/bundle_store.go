package kubernetes

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// Compile-time check that BundleStore implements the domain port.
var _ scanning.BundleStore = (*BundleStore)(nil)

// BundleStore delivers source bundles as namespaced ConfigMaps. Each bundle
// is named deterministically from its ScanKey, labeled as engine-owned, and
// annotated with a content digest so re-creation under the same key can be
// classified as idempotent or conflicting.
type BundleStore struct {
	client    kubernetes.Interface
	namespace string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewBundleStore creates a ConfigMap-backed bundle store for the given
// namespace.
func NewBundleStore(client kubernetes.Interface, namespace string, log *logger.Logger, tracer trace.Tracer) *BundleStore {
	return &BundleStore{
		client:    client,
		namespace: namespace,
		logger:    log.With("component", "bundle_store", "namespace", namespace),
		tracer:    tracer,
	}
}

// CreateBundle validates the payload size and creates the bundle ConfigMap.
// Creation is create-or-no-op for identical content and ErrConflict for
// differing content under the same key. No retries happen here; callers own
// retry policy.
func (s *BundleStore) CreateBundle(ctx context.Context, key scanning.ScanKey, files map[string]string) (scanning.BundleRef, error) {
	ctx, span := s.tracer.Start(ctx, "bundle_store.create_bundle",
		trace.WithAttributes(
			attribute.String("scan_id", key.ScanID.String()),
			attribute.String("scanner_id", key.ScannerID),
			attribute.Int("file_count", len(files)),
		),
	)
	defer span.End()

	if err := scanning.ValidateBundleSize(files); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payload too large")
		return scanning.BundleRef{}, err
	}

	name := key.BundleName()
	digest := scanning.BundleDigest(files)

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels: map[string]string{
				labelManagedBy: labelManagedByValue,
				labelScanID:    key.ScanID.String(),
				labelScannerID: key.ScannerID,
			},
			Annotations: map[string]string{
				annotationBundleDigest: digest,
			},
		},
		Immutable: ptrTo(true),
		Data:      files,
	}

	created, err := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err == nil {
		span.AddEvent("bundle_created")
		s.logger.Debug(ctx, "Source bundle created", "bundle", name, "scan_id", key.ScanID)
		return bundleRefFor(created), nil
	}

	if !apierrors.IsAlreadyExists(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create bundle")
		return scanning.BundleRef{}, fmt.Errorf("creating bundle %s: %w", name, err)
	}

	// The bundle already exists; decide between idempotent re-create and a
	// conflicting scan id reuse by comparing content digests.
	existing, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read existing bundle")
		return scanning.BundleRef{}, fmt.Errorf("reading existing bundle %s: %w", name, err)
	}

	if existing.Annotations[annotationBundleDigest] != digest {
		err := fmt.Errorf("%w: bundle %s exists with different content", scanning.ErrConflict, name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bundle content conflict")
		return scanning.BundleRef{}, err
	}

	span.AddEvent("bundle_already_exists")
	return bundleRefFor(existing), nil
}

// DeleteBundle removes the bundle. Absence is not an error: the in-band
// deleter and the sweep may race.
func (s *BundleStore) DeleteBundle(ctx context.Context, ref scanning.BundleRef) error {
	ctx, span := s.tracer.Start(ctx, "bundle_store.delete_bundle",
		trace.WithAttributes(attribute.String("bundle", ref.Name)),
	)
	defer span.End()

	if ref.IsZero() {
		return nil
	}

	err := s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete bundle")
		return fmt.Errorf("deleting bundle %s: %w", ref.Name, err)
	}

	span.AddEvent("bundle_deleted")
	return nil
}

// ListBundlesOlderThan returns engine-owned bundles created before the
// cutoff, for the leaked artifact sweep.
func (s *BundleStore) ListBundlesOlderThan(ctx context.Context, cutoff time.Time) ([]scanning.BundleRef, error) {
	ctx, span := s.tracer.Start(ctx, "bundle_store.list_bundles_older_than",
		trace.WithAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339))),
	)
	defer span.End()

	list, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedSelector(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list bundles")
		return nil, fmt.Errorf("listing bundles: %w", err)
	}

	var refs []scanning.BundleRef
	for _, cm := range list.Items {
		if cm.CreationTimestamp.Time.Before(cutoff) {
			refs = append(refs, bundleRefFor(&cm))
		}
	}

	span.SetAttributes(attribute.Int("bundle_count", len(refs)))
	return refs, nil
}

func bundleRefFor(cm *corev1.ConfigMap) scanning.BundleRef {
	return scanning.BundleRef{
		Name:      cm.Name,
		Namespace: cm.Namespace,
		Digest:    cm.Annotations[annotationBundleDigest],
		CreatedAt: cm.CreationTimestamp.Time,
	}
}

func ptrTo[T any](v T) *T { return &v }

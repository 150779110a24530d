package kubernetes

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// Compile-time check that Dispatcher implements the domain port.
var _ scanning.UnitRunner = (*Dispatcher)(nil)

const (
	// sourceVolumeName names the read-only bundle volume inside the unit.
	sourceVolumeName = "source-bundle"

	// scannerContainerName names the single container of every unit.
	scannerContainerName = "scanner"
)

// Dispatcher runs execution units as Kubernetes batch Jobs. A unit's Job is
// named deterministically from its ScanKey, carries the engine's labels, and
// is bounded three ways: backoffLimit for crash loops, activeDeadlineSeconds
// for wall clock, and ttlSecondsAfterFinished as the unconditional
// garbage-collection backstop.
type Dispatcher struct {
	client    kubernetes.Interface
	namespace string
	mountPath string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a Job-backed dispatcher. mountPath is where every
// unit sees its source bundle.
func NewDispatcher(client kubernetes.Interface, namespace, mountPath string, log *logger.Logger, tracer trace.Tracer) *Dispatcher {
	return &Dispatcher{
		client:    client,
		namespace: namespace,
		mountPath: mountPath,
		logger:    log.With("component", "job_dispatcher", "namespace", namespace),
		tracer:    tracer,
	}
}

// MountPath returns the fixed path where units see their bundle.
func (d *Dispatcher) MountPath() string { return d.mountPath }

// DispatchUnit submits the unit to the scheduler. Dispatching an existing
// unit with the same bundle returns the existing unit; a different bundle is
// ErrConflict. The call blocks only on the scheduler's accept latency, never
// on scanner execution.
func (d *Dispatcher) DispatchUnit(ctx context.Context, spec scanning.UnitSpec) (*scanning.ExecutionUnit, error) {
	ctx, span := d.tracer.Start(ctx, "job_dispatcher.dispatch_unit",
		trace.WithAttributes(
			attribute.String("scan_id", spec.Key.ScanID.String()),
			attribute.String("scanner_id", spec.Key.ScannerID),
			attribute.String("image", spec.Image),
		),
	)
	defer span.End()

	job, err := d.buildJob(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid unit spec")
		return nil, err
	}

	created, err := d.client.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err == nil {
		span.AddEvent("unit_created")
		d.logger.Info(ctx, "Execution unit dispatched",
			"unit", job.Name, "scan_id", spec.Key.ScanID, "scanner_id", spec.Key.ScannerID)
		_ = created
		return scanning.NewExecutionUnit(spec.Key, spec.Bundle, spec.TTL), nil
	}

	if apierrors.IsForbidden(err) {
		// Namespace resource quota rejections surface as Forbidden.
		qerr := fmt.Errorf("%w: %v", scanning.ErrQuotaExceeded, err)
		span.RecordError(qerr)
		span.SetStatus(codes.Error, "namespace quota exceeded")
		return nil, qerr
	}

	if !apierrors.IsAlreadyExists(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create unit")
		return nil, fmt.Errorf("creating unit %s: %w", job.Name, err)
	}

	existing, err := d.client.BatchV1().Jobs(d.namespace).Get(ctx, job.Name, metav1.GetOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read existing unit")
		return nil, fmt.Errorf("reading existing unit %s: %w", job.Name, err)
	}

	if existing.Annotations[annotationBundleName] != spec.Bundle.Name {
		cerr := fmt.Errorf("%w: unit %s exists with different bundle", scanning.ErrConflict, job.Name)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "unit bundle conflict")
		return nil, cerr
	}

	span.AddEvent("unit_already_exists")
	return scanning.NewExecutionUnit(spec.Key, spec.Bundle, spec.TTL), nil
}

// ObserveUnit reads the unit's Job status and classifies it. The terminal
// classification rules: the Complete condition means Succeeded, the Failed
// condition with a deadline reason means TimedOut, any other Failed
// condition means Failed after exhausting the retry budget.
func (d *Dispatcher) ObserveUnit(ctx context.Context, key scanning.ScanKey) (scanning.UnitObservation, error) {
	ctx, span := d.tracer.Start(ctx, "job_dispatcher.observe_unit",
		trace.WithAttributes(attribute.String("unit", key.UnitName())),
	)
	defer span.End()

	job, err := d.client.BatchV1().Jobs(d.namespace).Get(ctx, key.UnitName(), metav1.GetOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read unit")
		return scanning.UnitObservation{}, fmt.Errorf("reading unit %s: %w", key.UnitName(), err)
	}

	obs := classifyJob(job)
	span.SetAttributes(
		attribute.String("state", obs.State.String()),
		attribute.Int("attempts", obs.Attempts),
	)
	return obs, nil
}

// UnitOutput retrieves the captured log stream from the unit's most recent
// pod.
func (d *Dispatcher) UnitOutput(ctx context.Context, key scanning.ScanKey) ([]byte, error) {
	ctx, span := d.tracer.Start(ctx, "job_dispatcher.unit_output",
		trace.WithAttributes(attribute.String("unit", key.UnitName())),
	)
	defer span.End()

	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + key.UnitName(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list unit pods")
		return nil, fmt.Errorf("listing pods for unit %s: %w", key.UnitName(), err)
	}
	if len(pods.Items) == 0 {
		span.SetStatus(codes.Error, "no pods found")
		return nil, fmt.Errorf("%w: unit %s has no pods", scanning.ErrNoScanOutput, key.UnitName())
	}

	// Prefer the newest pod: earlier ones belong to retried attempts.
	pod := pods.Items[0]
	for _, p := range pods.Items[1:] {
		if p.CreationTimestamp.After(pod.CreationTimestamp.Time) {
			pod = p
		}
	}

	stream, err := d.client.CoreV1().Pods(d.namespace).
		GetLogs(pod.Name, &corev1.PodLogOptions{Container: scannerContainerName}).
		Stream(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stream unit logs")
		return nil, fmt.Errorf("streaming logs for unit %s: %w", key.UnitName(), err)
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read unit logs")
		return nil, fmt.Errorf("reading logs for unit %s: %w", key.UnitName(), err)
	}

	span.SetAttributes(attribute.Int("output_bytes", len(out)))
	return out, nil
}

// DeleteUnit removes the unit and its pods. Absence is not an error.
func (d *Dispatcher) DeleteUnit(ctx context.Context, key scanning.ScanKey) error {
	return d.DeleteUnitByName(ctx, key.UnitName())
}

// DeleteUnitByName removes a unit by substrate name, cascading to its pods.
func (d *Dispatcher) DeleteUnitByName(ctx context.Context, name string) error {
	ctx, span := d.tracer.Start(ctx, "job_dispatcher.delete_unit",
		trace.WithAttributes(attribute.String("unit", name)),
	)
	defer span.End()

	propagation := metav1.DeletePropagationBackground
	err := d.client.BatchV1().Jobs(d.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete unit")
		return fmt.Errorf("deleting unit %s: %w", name, err)
	}

	span.AddEvent("unit_deleted")
	return nil
}

// ListUnitsOlderThan returns engine-owned unit names created before the
// cutoff, for the leaked artifact sweep.
func (d *Dispatcher) ListUnitsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, span := d.tracer.Start(ctx, "job_dispatcher.list_units_older_than")
	defer span.End()

	list, err := d.client.BatchV1().Jobs(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedSelector(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list units")
		return nil, fmt.Errorf("listing units: %w", err)
	}

	var names []string
	for _, job := range list.Items {
		if job.CreationTimestamp.Time.Before(cutoff) {
			names = append(names, job.Name)
		}
	}

	span.SetAttributes(attribute.Int("unit_count", len(names)))
	return names, nil
}

func (d *Dispatcher) buildJob(spec scanning.UnitSpec) (*batchv1.Job, error) {
	requests, err := resourceList(spec.CPURequest, spec.MemoryRequest)
	if err != nil {
		return nil, fmt.Errorf("unit %s resource requests: %w", spec.Key.UnitName(), err)
	}
	limits, err := resourceList(spec.CPULimit, spec.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("unit %s resource limits: %w", spec.Key.UnitName(), err)
	}

	labels := map[string]string{
		labelManagedBy: labelManagedByValue,
		labelScanID:    spec.Key.ScanID.String(),
		labelScannerID: spec.Key.ScannerID,
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Key.UnitName(),
			Namespace: d.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotationBundleName: spec.Bundle.Name,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptrTo(int32(spec.MaxRetries)),
			ActiveDeadlineSeconds:   ptrTo(int64(spec.Timeout.Seconds())),
			TTLSecondsAfterFinished: ptrTo(int32(spec.TTL.Seconds())),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    scannerContainerName,
							Image:   spec.Image,
							Command: spec.Command,
							Resources: corev1.ResourceRequirements{
								Requests: requests,
								Limits:   limits,
							},
							VolumeMounts: []corev1.VolumeMount{
								{
									Name:      sourceVolumeName,
									MountPath: d.mountPath,
									ReadOnly:  true,
								},
							},
							SecurityContext: &corev1.SecurityContext{
								AllowPrivilegeEscalation: ptrTo(false),
								ReadOnlyRootFilesystem:   ptrTo(false),
								RunAsNonRoot:             ptrTo(true),
								RunAsUser:                ptrTo(int64(1000)),
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: sourceVolumeName,
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{
										Name: spec.Bundle.Name,
									},
								},
							},
						},
					},
				},
			},
		},
	}, nil
}

func resourceList(cpu, memory string) (corev1.ResourceList, error) {
	cpuQty, err := resource.ParseQuantity(cpu)
	if err != nil {
		return nil, fmt.Errorf("parsing cpu quantity %q: %w", cpu, err)
	}
	memQty, err := resource.ParseQuantity(memory)
	if err != nil {
		return nil, fmt.Errorf("parsing memory quantity %q: %w", memory, err)
	}
	return corev1.ResourceList{
		corev1.ResourceCPU:    cpuQty,
		corev1.ResourceMemory: memQty,
	}, nil
}

// classifyJob maps a Job's status onto the unit state machine.
func classifyJob(job *batchv1.Job) scanning.UnitObservation {
	attempts := int(job.Status.Failed)

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return scanning.UnitObservation{State: scanning.UnitStateSucceeded, Attempts: attempts}
		case batchv1.JobFailed:
			if cond.Reason == "DeadlineExceeded" {
				return scanning.UnitObservation{
					State:    scanning.UnitStateTimedOut,
					Attempts: attempts,
					Reason:   cond.Reason,
				}
			}
			return scanning.UnitObservation{
				State:    scanning.UnitStateFailed,
				Attempts: attempts,
				Reason:   cond.Reason,
			}
		}
	}

	if job.Status.Active > 0 {
		return scanning.UnitObservation{State: scanning.UnitStateRunning, Attempts: attempts}
	}
	return scanning.UnitObservation{State: scanning.UnitStatePending, Attempts: attempts}
}

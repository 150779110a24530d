package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

const testMountPath = "/workspace/source"

func newTestDispatcher(t *testing.T) (*Dispatcher, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	d := NewDispatcher(client, testNamespace, testMountPath, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	return d, client
}

func testUnitSpec(t *testing.T) scanning.UnitSpec {
	t.Helper()
	key := testKey(t)
	return scanning.UnitSpec{
		Key: key,
		Bundle: scanning.BundleRef{
			Name:      key.BundleName(),
			Namespace: testNamespace,
			Digest:    "abc123",
		},
		Image:         "trailofbits/eth-security-toolbox:latest",
		Command:       []string{"slither", testMountPath, "--json", "-"},
		CPURequest:    "250m",
		CPULimit:      "1",
		MemoryRequest: "256Mi",
		MemoryLimit:   "1Gi",
		Timeout:       15 * time.Minute,
		MaxRetries:    3,
		TTL:           time.Hour,
	}
}

func TestDispatchUnitCreatesBoundedJob(t *testing.T) {
	d, client := newTestDispatcher(t)
	spec := testUnitSpec(t)

	unit, err := d.DispatchUnit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, spec.Key, unit.Key())
	assert.Equal(t, scanning.UnitStatePending, unit.State())

	job, err := client.BatchV1().Jobs(testNamespace).Get(context.Background(), spec.Key.UnitName(), metav1.GetOptions{})
	require.NoError(t, err)

	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(3), *job.Spec.BackoffLimit)
	require.NotNil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(900), *job.Spec.ActiveDeadlineSeconds)
	require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int32(3600), *job.Spec.TTLSecondsAfterFinished)

	assert.Equal(t, labelManagedByValue, job.Labels[labelManagedBy])
	assert.Equal(t, spec.Key.ScanID.String(), job.Labels[labelScanID])
	assert.Equal(t, spec.Bundle.Name, job.Annotations[annotationBundleName])

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	require.Len(t, pod.Containers, 1)

	container := pod.Containers[0]
	assert.Equal(t, spec.Image, container.Image)
	assert.Equal(t, spec.Command, container.Command)
	assert.Equal(t, "250m", container.Resources.Requests.Cpu().String())
	assert.Equal(t, "1Gi", container.Resources.Limits.Memory().String())

	require.Len(t, container.VolumeMounts, 1)
	assert.Equal(t, testMountPath, container.VolumeMounts[0].MountPath)
	assert.True(t, container.VolumeMounts[0].ReadOnly)

	require.Len(t, pod.Volumes, 1)
	require.NotNil(t, pod.Volumes[0].ConfigMap)
	assert.Equal(t, spec.Bundle.Name, pod.Volumes[0].ConfigMap.Name)
}

func TestDispatchUnitIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t)
	spec := testUnitSpec(t)

	_, err := d.DispatchUnit(context.Background(), spec)
	require.NoError(t, err)

	// Redispatching the same key with the same bundle is accepted.
	unit, err := d.DispatchUnit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, spec.Key, unit.Key())
}

func TestDispatchUnitBundleConflict(t *testing.T) {
	d, _ := newTestDispatcher(t)
	spec := testUnitSpec(t)

	_, err := d.DispatchUnit(context.Background(), spec)
	require.NoError(t, err)

	other := spec
	other.Bundle.Name = "scan-src-other"
	_, err = d.DispatchUnit(context.Background(), other)
	require.Error(t, err)
	assert.ErrorIs(t, err, scanning.ErrConflict)
}

func TestDispatchUnitRejectsBadQuantities(t *testing.T) {
	d, _ := newTestDispatcher(t)
	spec := testUnitSpec(t)
	spec.CPURequest = "not-a-quantity"

	_, err := d.DispatchUnit(context.Background(), spec)
	require.Error(t, err)
}

func TestObserveUnit(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name       string
		status     batchv1.JobStatus
		wantState  scanning.UnitState
		wantReason string
	}{
		{
			name:      "no activity yet",
			status:    batchv1.JobStatus{},
			wantState: scanning.UnitStatePending,
		},
		{
			name:      "pod running",
			status:    batchv1.JobStatus{Active: 1},
			wantState: scanning.UnitStateRunning,
		},
		{
			name: "completed",
			status: batchv1.JobStatus{
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
				},
			},
			wantState: scanning.UnitStateSucceeded,
		},
		{
			name: "failed after retries",
			status: batchv1.JobStatus{
				Failed: 3,
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded"},
				},
			},
			wantState:  scanning.UnitStateFailed,
			wantReason: "BackoffLimitExceeded",
		},
		{
			name: "deadline exceeded",
			status: batchv1.JobStatus{
				Failed: 1,
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded"},
				},
			},
			wantState:  scanning.UnitStateTimedOut,
			wantReason: "DeadlineExceeded",
		},
		{
			name: "false conditions ignored",
			status: batchv1.JobStatus{
				Active: 1,
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionFalse},
				},
			},
			wantState: scanning.UnitStateRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, client := newTestDispatcher(t)
			job := &batchv1.Job{
				ObjectMeta: metav1.ObjectMeta{Name: key.UnitName(), Namespace: testNamespace},
				Status:     tt.status,
			}
			_, err := client.BatchV1().Jobs(testNamespace).Create(context.Background(), job, metav1.CreateOptions{})
			require.NoError(t, err)

			obs, err := d.ObserveUnit(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, obs.State)
			assert.Equal(t, tt.wantReason, obs.Reason)
			assert.Equal(t, int(tt.status.Failed), obs.Attempts)
		})
	}
}

func TestObserveUnitMissing(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.ObserveUnit(context.Background(), testKey(t))
	require.Error(t, err)
}

func TestUnitOutputNoPods(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.UnitOutput(context.Background(), testKey(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, scanning.ErrNoScanOutput)
}

func TestUnitOutputReadsPodLogs(t *testing.T) {
	d, client := newTestDispatcher(t)
	key := testKey(t)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      key.UnitName() + "-abcde",
			Namespace: testNamespace,
			Labels:    map[string]string{"job-name": key.UnitName()},
		},
	}
	_, err := client.CoreV1().Pods(testNamespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)

	out, err := d.UnitOutput(context.Background(), key)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestDeleteUnit(t *testing.T) {
	d, client := newTestDispatcher(t)
	spec := testUnitSpec(t)

	_, err := d.DispatchUnit(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, d.DeleteUnit(context.Background(), spec.Key))

	_, err = client.BatchV1().Jobs(testNamespace).Get(context.Background(), spec.Key.UnitName(), metav1.GetOptions{})
	assert.Error(t, err)

	// Deletion of an absent unit succeeds.
	require.NoError(t, d.DeleteUnit(context.Background(), spec.Key))
}

func TestListUnitsOlderThan(t *testing.T) {
	d, client := newTestDispatcher(t)

	seed := func(name string, age time.Duration) {
		t.Helper()
		job := &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{
				Name:              name,
				Namespace:         testNamespace,
				Labels:            map[string]string{labelManagedBy: labelManagedByValue},
				CreationTimestamp: metav1.NewTime(time.Now().Add(-age)),
			},
		}
		_, err := client.BatchV1().Jobs(testNamespace).Create(context.Background(), job, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	seed("scan-unit-stale", 48*time.Hour)
	seed("scan-unit-fresh", time.Minute)

	names, err := d.ListUnitsOlderThan(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "scan-unit-stale", names[0])
}

package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SolidityOps/scan-engine/internal/domain/events"
	domain "github.com/SolidityOps/scan-engine/internal/domain/scanning"
)

// fakeBundleStore mirrors the ConfigMap store's idempotency semantics in
// memory.
type fakeBundleStore struct {
	mu        sync.Mutex
	bundles   map[string]fakeBundle
	createErr error
}

type fakeBundle struct {
	ref       domain.BundleRef
	createdAt time.Time
}

func newFakeBundleStore() *fakeBundleStore {
	return &fakeBundleStore{bundles: map[string]fakeBundle{}}
}

func (s *fakeBundleStore) CreateBundle(_ context.Context, key domain.ScanKey, files map[string]string) (domain.BundleRef, error) {
	if s.createErr != nil {
		return domain.BundleRef{}, s.createErr
	}
	if err := domain.ValidateBundleSize(files); err != nil {
		return domain.BundleRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := key.BundleName()
	digest := domain.BundleDigest(files)
	if existing, ok := s.bundles[name]; ok {
		if existing.ref.Digest == digest {
			return existing.ref, nil
		}
		return domain.BundleRef{}, fmt.Errorf("%w: bundle %s content drift", domain.ErrConflict, name)
	}

	ref := domain.BundleRef{Name: name, Namespace: "test", Digest: digest, CreatedAt: time.Now()}
	s.bundles[name] = fakeBundle{ref: ref, createdAt: ref.CreatedAt}
	return ref, nil
}

func (s *fakeBundleStore) DeleteBundle(_ context.Context, ref domain.BundleRef) error {
	if ref.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, ref.Name)
	return nil
}

func (s *fakeBundleStore) ListBundlesOlderThan(_ context.Context, cutoff time.Time) ([]domain.BundleRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []domain.BundleRef
	for _, b := range s.bundles {
		if b.createdAt.Before(cutoff) {
			refs = append(refs, b.ref)
		}
	}
	return refs, nil
}

func (s *fakeBundleStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bundles)
}

func (s *fakeBundleStore) seed(name string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := time.Now().Add(-age)
	s.bundles[name] = fakeBundle{
		ref:       domain.BundleRef{Name: name, Namespace: "test", CreatedAt: created},
		createdAt: created,
	}
}

// fakeRunner scripts per-unit observation sequences. The last observation in
// the script repeats once reached, so a short script like
// [Pending, Running, Succeeded] describes a full unit lifecycle.
type fakeRunner struct {
	mu    sync.Mutex
	units map[string]*fakeRunnerUnit

	script      []domain.UnitObservation
	output      []byte
	outputErr   error
	dispatchErr error
	observeErr  error
}

type fakeRunnerUnit struct {
	spec      domain.UnitSpec
	polls     int
	createdAt time.Time
}

func newFakeRunner(script ...domain.UnitObservation) *fakeRunner {
	return &fakeRunner{units: map[string]*fakeRunnerUnit{}, script: script}
}

func (r *fakeRunner) DispatchUnit(_ context.Context, spec domain.UnitSpec) (*domain.ExecutionUnit, error) {
	if r.dispatchErr != nil {
		return nil, r.dispatchErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := spec.Key.UnitName()
	if existing, ok := r.units[name]; ok {
		if existing.spec.Bundle.Name != spec.Bundle.Name {
			return nil, fmt.Errorf("%w: unit %s exists with different bundle", domain.ErrConflict, name)
		}
		return domain.NewExecutionUnit(spec.Key, spec.Bundle, spec.TTL), nil
	}

	r.units[name] = &fakeRunnerUnit{spec: spec, createdAt: time.Now()}
	return domain.NewExecutionUnit(spec.Key, spec.Bundle, spec.TTL), nil
}

func (r *fakeRunner) ObserveUnit(_ context.Context, key domain.ScanKey) (domain.UnitObservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.observeErr != nil {
		return domain.UnitObservation{}, r.observeErr
	}

	u, ok := r.units[key.UnitName()]
	if !ok {
		return domain.UnitObservation{}, fmt.Errorf("unit %s not found", key.UnitName())
	}

	idx := u.polls
	if idx >= len(r.script) {
		idx = len(r.script) - 1
	}
	u.polls++
	return r.script[idx], nil
}

func (r *fakeRunner) UnitOutput(context.Context, domain.ScanKey) ([]byte, error) {
	if r.outputErr != nil {
		return nil, r.outputErr
	}
	return r.output, nil
}

func (r *fakeRunner) DeleteUnit(ctx context.Context, key domain.ScanKey) error {
	return r.DeleteUnitByName(ctx, key.UnitName())
}

func (r *fakeRunner) DeleteUnitByName(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, name)
	return nil
}

func (r *fakeRunner) ListUnitsOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, u := range r.units {
		if u.createdAt.Before(cutoff) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (r *fakeRunner) setObserveErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observeErr = err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

func (r *fakeRunner) seed(name string, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[name] = &fakeRunnerUnit{createdAt: time.Now().Add(-age)}
}

var (
	_ domain.BundleStore = (*fakeBundleStore)(nil)
	_ domain.UnitRunner  = (*fakeRunner)(nil)
)

// testPublisher adapts an events.EventBus for the app layer, the same shape
// the Kafka publisher has in production.
type testPublisher struct{ bus events.EventBus }

func newTestPublisher(bus events.EventBus) *testPublisher { return &testPublisher{bus: bus} }

func (p *testPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return p.bus.Publish(ctx, events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}, opts...)
}

// failingFindingsStore always rejects persistence, for the results-lost path.
type failingFindingsStore struct{ err error }

func (s *failingFindingsStore) PersistFindings(context.Context, uuid.UUID, string, []domain.Finding) error {
	return s.err
}

package compute

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memInstance struct {
	Instance
	tagKey, tagValue string
	visible          bool
}

// Memory is an in-process Provisioner. Launched instances can be held back
// from ListInstances to model eventual consistency of the real API.
type Memory struct {
	mu         sync.Mutex
	instances  map[string]*memInstance
	order      []string
	hideNew    bool
	launchHook func(LaunchSpec) error
	launches   []LaunchSpec
	terminated []string
}

// NewMemory creates an empty in-memory provisioner
func NewMemory() *Memory {
	return &Memory{instances: make(map[string]*memInstance)}
}

// HideNewInstances makes subsequently launched instances invisible to ListInstances until Reveal.
func (m *Memory) HideNewInstances(hide bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hideNew = hide
}

// Reveal makes every launched instance visible.
func (m *Memory) Reveal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		inst.visible = true
		inst.State = "running"
	}
}

// SetLaunchHook installs a function consulted before every launch; a non-nil error fails it.
func (m *Memory) SetLaunchHook(hook func(LaunchSpec) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launchHook = hook
}

// Kill removes an instance as if it crashed or was terminated out of band.
func (m *Memory) Kill(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
}

func (m *Memory) LaunchInstances(_ context.Context, spec LaunchSpec) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.launchHook != nil {
		if err := m.launchHook(spec); err != nil {
			return nil, err
		}
	}
	m.launches = append(m.launches, spec)

	ids := make([]string, 0, spec.Count)
	for range spec.Count {
		id := "i-" + uuid.NewString()[:17]
		m.instances[id] = &memInstance{
			Instance: Instance{ID: id, State: "pending", LaunchedAt: time.Now()},
			tagKey:   spec.TagKey,
			tagValue: spec.TagValue,
			visible:  !m.hideNew,
		}
		m.order = append(m.order, id)
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) ListInstances(_ context.Context, tagKey, tagValue string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Instance
	for _, id := range m.order {
		inst, ok := m.instances[id]
		if !ok || !inst.visible || inst.tagKey != tagKey || inst.tagValue != tagValue {
			continue
		}
		out = append(out, inst.Instance)
	}
	return out, nil
}

func (m *Memory) TerminateInstances(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.instances[id]; ok {
			delete(m.instances, id)
			m.terminated = append(m.terminated, id)
		}
	}
	return nil
}

// Running counts live instances, visible or not.
func (m *Memory) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Launches returns every successful launch request in order.
func (m *Memory) Launches() []LaunchSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.launches)
}

// Launched sums Count over every successful launch request.
func (m *Memory) Launched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.launches {
		n += l.Count
	}
	return n
}

// Terminated returns the ids terminated through TerminateInstances.
func (m *Memory) Terminated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.terminated)
}

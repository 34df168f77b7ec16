package runtime

import (
	"fmt"
	"sort"
	"strings"

	"ledgercore/storage/index"
)

// DefaultMaxCallDepth bounds nested service calls.
const DefaultMaxCallDepth = 8

type instance struct {
	spec    InstanceSpec
	service Service
}

// Registry maps instance ids to services. It is filled at startup, sealed,
// and read-only from then on.
type Registry struct {
	byID     map[InstanceID]*instance
	byName   map[string]InstanceID
	sealed   bool
	maxDepth int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxCallDepth overrides DefaultMaxCallDepth.
func WithMaxCallDepth(depth int) RegistryOption {
	return func(r *Registry) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byID:     make(map[InstanceID]*instance),
		byName:   make(map[string]InstanceID),
		maxDepth: DefaultMaxCallDepth,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a service instance. Names follow the index naming rules
// because services use them as table prefixes.
func (r *Registry) Register(spec InstanceSpec, svc Service) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if spec.ID == CoreInstance {
		return fmt.Errorf("%w: id %d (%s)", ErrReservedInstance, spec.ID, spec.Name)
	}
	if spec.Name == CoreName || strings.HasPrefix(spec.Name, CoreName+".") {
		return fmt.Errorf("%w: name %q (id %d)", ErrReservedInstance, spec.Name, spec.ID)
	}
	if err := index.NewAddress(spec.Name).Validate(); err != nil {
		return fmt.Errorf("runtime: instance %d: %w", spec.ID, err)
	}
	if svc == nil {
		return fmt.Errorf("runtime: instance %d (%s) has no service", spec.ID, spec.Name)
	}
	if _, ok := r.byID[spec.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateInstance, spec.ID)
	}
	if _, ok := r.byName[spec.Name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateInstance, spec.Name)
	}
	r.byID[spec.ID] = &instance{spec: spec, service: svc}
	r.byName[spec.Name] = spec.ID
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() { r.sealed = true }

func (r *Registry) Sealed() bool { return r.sealed }

func (r *Registry) MaxCallDepth() int { return r.maxDepth }

// Instances lists registered instances in id order.
func (r *Registry) Instances() []InstanceSpec {
	out := make([]InstanceSpec, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Service returns the service registered under id.
func (r *Registry) Service(id InstanceID) (Service, bool) {
	inst, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return inst.service, true
}

// Lookup resolves an instance by name.
func (r *Registry) Lookup(name string) (InstanceSpec, bool) {
	id, ok := r.byName[name]
	if !ok {
		return InstanceSpec{}, false
	}
	return r.byID[id].spec, true
}

// TxFromRaw resolves call and decodes payload.
func (r *Registry) TxFromRaw(call CallInfo, payload []byte) (Transaction, error) {
	svc, ok := r.Service(call.InstanceID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInstanceNotFound, call.InstanceID)
	}
	return svc.TxFromRaw(call.MethodID, payload)
}

// Execute runs a top-level call on behalf of the transaction in ctx.
// Rollback on failure is the caller's job.
func (r *Registry) Execute(ctx *ExecutionContext, call CallInfo, payload []byte) error {
	tx, err := r.TxFromRaw(call, payload)
	if err != nil {
		return err
	}
	return tx.Execute(ctx.enter(call.InstanceID, ctx.caller, ctx.depth))
}

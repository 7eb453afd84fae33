package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/flowflex/stagecondition/condition"
	"github.com/flowflex/stagecondition/rules"
)

// ErrTenantNotFound is returned when no evaluator is loaded for a tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// EvaluatorFactory builds the evaluator for one tenant.
type EvaluatorFactory func(tenantID string) (*condition.Evaluator, error)

// TenantLister enumerates the tenants known to the backing store.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// SharedFactory returns a factory whose evaluators share one set of stores
// and one rule executor. Stores scope every query by tenant, so sharing
// them is safe.
func SharedFactory(deps condition.Dependencies, executor *rules.Executor, opts ...condition.EvaluatorOption) EvaluatorFactory {
	return func(tenantID string) (*condition.Evaluator, error) {
		return condition.NewEvaluator(tenantID, deps, executor, opts...)
	}
}

// Manager keeps one condition evaluator per tenant.
type Manager struct {
	evaluators map[string]*condition.Evaluator
	factory    EvaluatorFactory
	lister     TenantLister
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewManager creates a manager. lister may be nil when tenants are only
// created on demand.
func NewManager(factory EvaluatorFactory, lister TenantLister, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		evaluators: make(map[string]*condition.Evaluator),
		factory:    factory,
		lister:     lister,
		logger:     logger,
	}
}

// LoadAllTenants creates an evaluator for every tenant the lister knows.
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	if m.lister == nil {
		return errors.New("no tenant lister configured")
	}

	tenants, err := m.lister.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}

	for _, tenantID := range tenants {
		if err := m.CreateTenant(tenantID); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
	}

	m.logger.InfoContext(ctx, "tenants loaded", "count", len(tenants))
	return nil
}

// CreateTenant builds the tenant's evaluator and swaps it in, replacing
// any existing one.
func (m *Manager) CreateTenant(tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}

	ev, err := m.factory(tenantID)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}

	m.mu.Lock()
	m.evaluators[tenantID] = ev
	m.mu.Unlock()

	return nil
}

// GetEvaluator returns the tenant's evaluator or ErrTenantNotFound.
func (m *Manager) GetEvaluator(tenantID string) (*condition.Evaluator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, exists := m.evaluators[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return ev, nil
}

// GetOrCreate returns the tenant's evaluator, creating it on first use.
func (m *Manager) GetOrCreate(tenantID string) (*condition.Evaluator, error) {
	if ev, err := m.GetEvaluator(tenantID); err == nil {
		return ev, nil
	}
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, exists := m.evaluators[tenantID]; exists {
		return ev, nil
	}
	ev, err := m.factory(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}
	m.evaluators[tenantID] = ev
	return ev, nil
}

// ListTenants returns all loaded tenant IDs, sorted.
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.evaluators))
	for tenantID := range m.evaluators {
		tenants = append(tenants, tenantID)
	}
	slices.Sort(tenants)
	return tenants
}

// DeleteTenant removes a tenant's evaluator from the cache.
// Note: This does not delete the tenant from the database
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.evaluators[tenantID]; !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	delete(m.evaluators, tenantID)
	return nil
}

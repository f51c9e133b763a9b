// Package resources implements the token-bucket resource manager of
// spec.md §4.1: per-resource buckets, agent quotas, a refill sweep, and an
// expiration sweep for abandoned allocations.
//
// Grounded on original_source/src/orchestrator/resources/
// token_bucket_manager.{h,cpp}: the refill algorithm (whole elapsed
// intervals times refill rate, clamped to burst then to max), the quota
// check preceding the token check, and opaque random allocation ids are
// all adopted verbatim from that reference implementation, since spec.md
// leaves them as "the refill algorithm" prose without pinning exact
// rounding. The teacher's internal/orchestrator/budget.go contributes the
// Go idiom of a mutex-guarded struct.
package resources

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// ResourceConfig describes one named resource's bucket parameters.
type ResourceConfig struct {
	Type           string
	MaxTokens      int
	RefillRate     int // tokens added per RefillInterval
	BurstSize      int // maximum tokens a single refill tick may add
	RefillInterval time.Duration
}

// Request is a non-blocking ask for tokens from a named resource.
type Request struct {
	AgentID      string
	ResourceType string
	Tokens       int
	Priority     int // advisory only; the bucket never consults it (spec.md §9 Open Question)
	TTL          time.Duration
}

// Grant is returned on a successful Request.
type Grant struct {
	AllocationID string
	TokensGranted int
	ExpiresAt    time.Time
}

// Stats summarizes one bucket's lifetime counters and current level.
type Stats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	TotalDispensed     int64
	CurrentTokens      int
	MaxTokens          int
	Utilization        float64 // 1 - current/max
}

type bucket struct {
	mu sync.Mutex

	cfg           ResourceConfig
	currentTokens int
	lastRefill    time.Time

	totalRequests      int64
	successfulRequests int64
	totalDispensed     int64
}

func newBucket(cfg ResourceConfig) *bucket {
	return &bucket{
		cfg:           cfg,
		currentTokens: cfg.MaxTokens,
		lastRefill:    time.Now(),
	}
}

// refillLocked applies the elapsed-interval refill algorithm. Caller must
// hold b.mu.
func (b *bucket) refillLocked(now time.Time) {
	if b.cfg.RefillInterval <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	intervals := int(elapsed / b.cfg.RefillInterval)
	if intervals <= 0 {
		return
	}
	tokensToAdd := intervals * b.cfg.RefillRate
	if tokensToAdd > b.cfg.BurstSize {
		tokensToAdd = b.cfg.BurstSize
	}
	b.currentTokens += tokensToAdd
	if b.currentTokens > b.cfg.MaxTokens {
		b.currentTokens = b.cfg.MaxTokens
	}
	// Only consume the intervals actually applied, bounding drift without
	// discarding a fractional remainder (spec.md §4.1 refill algorithm).
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * b.cfg.RefillInterval)
}

type allocation struct {
	id           string
	agentID      string
	resourceType string
	tokens       int
	grantedAt    time.Time
	expiresAt    time.Time
}

// Manager is the single authority on resource availability, per spec.md
// §4.1. All public methods are safe for concurrent use.
type Manager struct {
	bucketsMu sync.RWMutex
	buckets   map[string]*bucket

	allocMu     sync.Mutex
	allocations map[string]*allocation

	quotaMu sync.Mutex
	quotas  map[string]map[string]int // agentID -> resourceType -> max
	held    map[string]map[string]int // agentID -> resourceType -> currently held

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	running       bool
	runMu         sync.Mutex
}

// NewManager creates a Manager. sweepInterval controls both the refill tick
// and the expiration sweep cadence; the refill math itself is interval-
// independent (see refillLocked), so a coarser tick only adds latency
// before a due refill is observed, never incorrectness.
func NewManager(sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 100 * time.Millisecond
	}
	return &Manager{
		buckets:       make(map[string]*bucket),
		allocations:   make(map[string]*allocation),
		quotas:        make(map[string]map[string]int),
		held:          make(map[string]map[string]int),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// RegisterResource creates a new bucket. Fails if the name already exists.
func (m *Manager) RegisterResource(cfg ResourceConfig) error {
	m.bucketsMu.Lock()
	defer m.bucketsMu.Unlock()
	if _, exists := m.buckets[cfg.Type]; exists {
		return orcherr.New(orcherr.InvalidDefinition, "resources.RegisterResource", errDuplicateResource(cfg.Type))
	}
	m.buckets[cfg.Type] = newBucket(cfg)
	return nil
}

// Request attempts to grant tokens without blocking. On denial it returns a
// nil *Grant and a non-nil *orcherr.Error describing why (unknown resource,
// quota exceeded, or insufficient tokens).
func (m *Manager) Request(req Request) (*Grant, error) {
	m.bucketsMu.RLock()
	b, ok := m.buckets[req.ResourceType]
	m.bucketsMu.RUnlock()
	if !ok {
		return nil, orcherr.New(orcherr.UnknownEntity, "resources.Request", errUnknownResource(req.ResourceType))
	}

	if !m.checkQuota(req.AgentID, req.ResourceType, req.Tokens) {
		return nil, orcherr.New(orcherr.ResourceExhausted, "resources.Request", errQuotaExceeded(req.AgentID, req.ResourceType))
	}

	b.mu.Lock()
	b.totalRequests++
	b.refillLocked(time.Now())
	if b.currentTokens < req.Tokens {
		b.mu.Unlock()
		return nil, orcherr.New(orcherr.ResourceExhausted, "resources.Request", errInsufficientTokens(b.currentTokens, req.Tokens))
	}
	b.currentTokens -= req.Tokens
	b.successfulRequests++
	b.totalDispensed += int64(req.Tokens)
	b.mu.Unlock()

	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := time.Now()
	alloc := &allocation{
		id:           uuid.NewString(),
		agentID:      req.AgentID,
		resourceType: req.ResourceType,
		tokens:       req.Tokens,
		grantedAt:    now,
		expiresAt:    now.Add(ttl),
	}

	m.allocMu.Lock()
	m.allocations[alloc.id] = alloc
	m.allocMu.Unlock()

	m.addHeld(req.AgentID, req.ResourceType, req.Tokens)

	return &Grant{AllocationID: alloc.id, TokensGranted: req.Tokens, ExpiresAt: alloc.expiresAt}, nil
}

// Release returns an allocation's tokens to its bucket and removes the
// allocation. Idempotent on unknown ids: returns false, no state change.
func (m *Manager) Release(allocationID string) bool {
	m.allocMu.Lock()
	alloc, ok := m.allocations[allocationID]
	if !ok {
		m.allocMu.Unlock()
		return false
	}
	delete(m.allocations, allocationID)
	m.allocMu.Unlock()

	m.bucketsMu.RLock()
	b, bok := m.buckets[alloc.resourceType]
	m.bucketsMu.RUnlock()
	if bok {
		b.mu.Lock()
		b.currentTokens += alloc.tokens
		if b.currentTokens > b.cfg.MaxTokens {
			b.currentTokens = b.cfg.MaxTokens
		}
		b.mu.Unlock()
	}

	m.removeHeld(alloc.agentID, alloc.resourceType, alloc.tokens)
	return true
}

// Available returns the current token count for a resource, or 0 if unknown.
func (m *Manager) Available(resourceType string) int {
	m.bucketsMu.RLock()
	b, ok := m.buckets[resourceType]
	m.bucketsMu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.currentTokens
}

// Stats returns usage statistics for a resource, or the zero value if unknown.
func (m *Manager) Stats(resourceType string) Stats {
	m.bucketsMu.RLock()
	b, ok := m.buckets[resourceType]
	m.bucketsMu.RUnlock()
	if !ok {
		return Stats{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	util := 0.0
	if b.cfg.MaxTokens > 0 {
		util = 1.0 - float64(b.currentTokens)/float64(b.cfg.MaxTokens)
	}
	return Stats{
		TotalRequests:      b.totalRequests,
		SuccessfulRequests: b.successfulRequests,
		TotalDispensed:     b.totalDispensed,
		CurrentTokens:      b.currentTokens,
		MaxTokens:          b.cfg.MaxTokens,
		Utilization:        util,
	}
}

// AgentAllocation returns the number of tokens agentID currently holds from
// resourceType.
func (m *Manager) AgentAllocation(agentID, resourceType string) int {
	m.quotaMu.Lock()
	defer m.quotaMu.Unlock()
	if byResource, ok := m.held[agentID]; ok {
		return byResource[resourceType]
	}
	return 0
}

// SetAgentQuota sets the maximum tokens agentID may simultaneously hold
// from resourceType. Absence of a quota implies unlimited.
func (m *Manager) SetAgentQuota(agentID, resourceType string, max int) {
	m.quotaMu.Lock()
	defer m.quotaMu.Unlock()
	if m.quotas[agentID] == nil {
		m.quotas[agentID] = make(map[string]int)
	}
	m.quotas[agentID][resourceType] = max
}

func (m *Manager) checkQuota(agentID, resourceType string, requested int) bool {
	m.quotaMu.Lock()
	defer m.quotaMu.Unlock()
	byResource, ok := m.quotas[agentID]
	if !ok {
		return true
	}
	max, ok := byResource[resourceType]
	if !ok {
		return true
	}
	current := 0
	if heldByResource, ok := m.held[agentID]; ok {
		current = heldByResource[resourceType]
	}
	return current+requested <= max
}

func (m *Manager) addHeld(agentID, resourceType string, tokens int) {
	m.quotaMu.Lock()
	defer m.quotaMu.Unlock()
	if m.held[agentID] == nil {
		m.held[agentID] = make(map[string]int)
	}
	m.held[agentID][resourceType] += tokens
}

func (m *Manager) removeHeld(agentID, resourceType string, tokens int) {
	m.quotaMu.Lock()
	defer m.quotaMu.Unlock()
	byResource, ok := m.held[agentID]
	if !ok {
		return
	}
	byResource[resourceType] -= tokens
	if byResource[resourceType] <= 0 {
		delete(byResource, resourceType)
	}
	if len(byResource) == 0 {
		delete(m.held, agentID)
	}
}

// Start launches the background refill and expiration-sweep loops. It is
// idempotent; calling Start twice has no additional effect.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the background loops and waits for them to exit. Per spec.md
// §6's exit behavior, counters remain readable after Stop returns.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()
	m.wg.Wait()
}

// IsRunning reports whether the background loops are active.
func (m *Manager) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.refillAll(now)
			m.sweepExpired(now)
		}
	}
}

func (m *Manager) refillAll(now time.Time) {
	m.bucketsMu.RLock()
	defer m.bucketsMu.RUnlock()
	for _, b := range m.buckets {
		b.mu.Lock()
		b.refillLocked(now)
		b.mu.Unlock()
	}
}

// sweepExpired releases any allocation whose expiration has passed, bounding
// leakage from agents that crash without releasing (spec.md §4.1).
func (m *Manager) sweepExpired(now time.Time) {
	m.allocMu.Lock()
	var expired []string
	for id, a := range m.allocations {
		if now.After(a.expiresAt) {
			expired = append(expired, id)
		}
	}
	m.allocMu.Unlock()

	for _, id := range expired {
		m.Release(id)
	}
}

type duplicateResourceError struct{ resourceType string }

func (e *duplicateResourceError) Error() string { return "resource already registered: " + e.resourceType }
func errDuplicateResource(t string) error       { return &duplicateResourceError{resourceType: t} }

type unknownResourceError struct{ resourceType string }

func (e *unknownResourceError) Error() string { return "unknown resource type: " + e.resourceType }
func errUnknownResource(t string) error       { return &unknownResourceError{resourceType: t} }

type quotaExceededError struct{ agentID, resourceType string }

func (e *quotaExceededError) Error() string {
	return "agent quota exceeded: agent=" + e.agentID + " resource=" + e.resourceType
}
func errQuotaExceeded(agentID, resourceType string) error {
	return &quotaExceededError{agentID: agentID, resourceType: resourceType}
}

type insufficientTokensError struct{ available, requested int }

func (e *insufficientTokensError) Error() string {
	return "insufficient tokens available"
}
func errInsufficientTokens(available, requested int) error {
	return &insufficientTokensError{available: available, requested: requested}
}

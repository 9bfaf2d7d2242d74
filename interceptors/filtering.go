package interceptors

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

// MessageFilter decides whether a delivery should be processed
type MessageFilter interface {
	ShouldProcess(d *contracts.Delivery) bool
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(d *contracts.Delivery) bool

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(d *contracts.Delivery) bool {
	return f(d)
}

// FilteringInterceptor drops deliveries its filter rejects
type FilteringInterceptor struct {
	filter MessageFilter
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, logger: slog.Default()}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(d *contracts.Delivery, next Next) {
	if !i.filter.ShouldProcess(d) {
		i.logger.Debug("delivery filtered", "source", d.Source, "txId", d.Headers.TxID())
		return
	}
	next(d)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter passes deliveries every filter accepts
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a filter requiring all filters
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(d *contracts.Delivery) bool {
	for _, filter := range f.filters {
		if !filter.ShouldProcess(d) {
			return false
		}
	}
	return true
}

// OrFilter passes deliveries any filter accepts
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a filter requiring at least one filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(d *contracts.Delivery) bool {
	for _, filter := range f.filters {
		if filter.ShouldProcess(d) {
			return true
		}
	}
	return false
}

// HeaderFilter passes deliveries whose header has one of the allowed values
type HeaderFilter struct {
	key     string
	allowed map[string]bool
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(key string, allowed ...string) *HeaderFilter {
	set := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		set[v] = true
	}
	return &HeaderFilter{key: key, allowed: set}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(d *contracts.Delivery) bool {
	v, ok := d.Headers[f.key]
	return ok && f.allowed[v]
}

// SourceFilter passes deliveries whose source matches a "namespace:pattern"
type SourceFilter struct {
	patterns []messaging.Address
}

// NewSourceFilter creates a source filter. Patterns use the bus topic syntax.
func NewSourceFilter(patterns ...string) (*SourceFilter, error) {
	f := &SourceFilter{}
	for _, p := range patterns {
		addr, err := messaging.ParseAddress(p)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, addr)
	}
	return f, nil
}

// ShouldProcess implements MessageFilter
func (f *SourceFilter) ShouldProcess(d *contracts.Delivery) bool {
	src, err := messaging.ParseAddress(d.Source)
	if err != nil {
		return false
	}
	for _, p := range f.patterns {
		if p.Namespace == src.Namespace && messaging.MatchTopic(p.Topic, src.Topic) {
			return true
		}
	}
	return false
}

// DuplicateDetector remembers processed message ids
type DuplicateDetector interface {
	IsDuplicate(messageID string) bool
	MarkProcessed(messageID string)
}

// DuplicateDetectionInterceptor drops deliveries whose Message-Id was already
// processed. Deliveries without Message-Id always pass.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(detector DuplicateDetector) *DuplicateDetectionInterceptor {
	return &DuplicateDetectionInterceptor{detector: detector}
}

// Intercept implements Interceptor
func (i *DuplicateDetectionInterceptor) Intercept(d *contracts.Delivery, next Next) {
	id := d.Headers.MessageID()
	if id == "" {
		next(d)
		return
	}
	if i.detector.IsDuplicate(id) {
		return
	}
	next(d)
	i.detector.MarkProcessed(id)
}

// Name implements Interceptor
func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// MemoryDuplicateDetector keeps processed ids for a retention window
type MemoryDuplicateDetector struct {
	mu        sync.Mutex
	retention time.Duration
	seen      map[string]time.Time
	now       func() time.Time
}

// NewMemoryDuplicateDetector creates a detector forgetting ids after retention
func NewMemoryDuplicateDetector(retention time.Duration) *MemoryDuplicateDetector {
	return &MemoryDuplicateDetector{
		retention: retention,
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// IsDuplicate implements DuplicateDetector
func (m *MemoryDuplicateDetector) IsDuplicate(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[messageID]
	return ok && m.now().Sub(at) < m.retention
}

// MarkProcessed implements DuplicateDetector. Expired ids are pruned here.
func (m *MemoryDuplicateDetector) MarkProcessed(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, at := range m.seen {
		if now.Sub(at) >= m.retention {
			delete(m.seen, id)
		}
	}
	m.seen[messageID] = now
}

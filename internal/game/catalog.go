package game

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// QueueType configures one named matchmaking queue.
type QueueType struct {
	// Name is the queue name players join.
	Name string
	// BatchSize is the number of players required to start a session.
	BatchSize int
	// TicksPerSecond is the session's fixed simulation rate.
	TicksPerSecond int
	// New constructs the game for a drained batch.
	New Constructor
	// InitParams produces fresh construction parameters for each session.
	// nil means no parameters.
	InitParams func() map[string]any
}

// Params returns the construction parameters for a new session.
//
// Postcondition: Returns a non-nil map owned by the caller.
func (q QueueType) Params() map[string]any {
	if q.InitParams == nil {
		return map[string]any{}
	}
	p := q.InitParams()
	if p == nil {
		return map[string]any{}
	}
	return p
}

// Validate checks the queue type invariants.
func (q QueueType) Validate() error {
	var errs []error
	if q.Name == "" {
		errs = append(errs, errors.New("queue name must not be empty"))
	}
	if q.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("queue %q: batch_size must be >= 1, got %d", q.Name, q.BatchSize))
	}
	if q.TicksPerSecond < 1 {
		errs = append(errs, fmt.Errorf("queue %q: ticks_per_second must be >= 1, got %d", q.Name, q.TicksPerSecond))
	}
	if q.New == nil {
		errs = append(errs, fmt.Errorf("queue %q: constructor must not be nil", q.Name))
	}
	return errors.Join(errs...)
}

// Catalog holds the valid queue types keyed by name.
// All methods are safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]QueueType
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]QueueType)}
}

// Register adds qt to the catalog.
//
// Precondition: qt must pass Validate.
// Postcondition: Returns an error if qt is invalid or its name is already registered.
func (c *Catalog) Register(qt QueueType) error {
	if err := qt.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.types[qt.Name]; exists {
		return fmt.Errorf("queue %q already registered", qt.Name)
	}
	c.types[qt.Name] = qt
	return nil
}

// Get returns the queue type for name.
func (c *Catalog) Get(name string) (QueueType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	qt, ok := c.types[name]
	return qt, ok
}

// Names returns the registered queue names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.types))
	for n := range c.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Kind turns a queue definition into a constructor for one rule set.
type Kind func(def QueueDef) (Constructor, error)

// BuildCatalog registers every definition using the constructor produced by
// its kind. Definitions without ticks_per_second use defaultTicks.
//
// Precondition: defaultTicks > 0.
// Postcondition: Returns a populated Catalog or an error naming every bad definition.
func BuildCatalog(defs []QueueDef, kinds map[string]Kind, defaultTicks int) (*Catalog, error) {
	cat := NewCatalog()
	var errs []error
	for _, def := range defs {
		kind, ok := kinds[def.Game]
		if !ok {
			errs = append(errs, fmt.Errorf("queue %q: unknown game kind %q", def.Name, def.Game))
			continue
		}
		ctor, err := kind(def)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %q: %w", def.Name, err))
			continue
		}
		tps := def.TicksPerSecond
		if tps == 0 {
			tps = defaultTicks
		}
		params := def.Params
		if err := cat.Register(QueueType{
			Name:           def.Name,
			BatchSize:      def.BatchSize,
			TicksPerSecond: tps,
			New:            ctor,
			InitParams:     func() map[string]any { return maps.Clone(params) },
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cat, nil
}

// Package registry maps (exchange, routing key) bindings to channel ids and
// user callbacks and dispatches inbound messages to them.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/glimte/hare-go/contracts"
)

// Callback receives one inbound message
type Callback func(msg contracts.Message)

// DispatchMode selects how callbacks run
type DispatchMode int

const (
	// DispatchSync runs the callback on the caller of Dispatch
	DispatchSync DispatchMode = iota
	// DispatchFanOut hands the callback to a bounded worker pool
	DispatchFanOut
)

func (m DispatchMode) String() string {
	if m == DispatchFanOut {
		return "fanout"
	}
	return "sync"
}

// ParseDispatchMode accepts "sync" and "fanout"
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch s {
	case "", "sync":
		return DispatchSync, nil
	case "fanout", "fan-out":
		return DispatchFanOut, nil
	}
	return DispatchSync, contracts.NewError(contracts.KindInvalidParameters, "parse dispatch mode", nil)
}

// DefaultWorkers is the fan-out pool size when none is configured
const DefaultWorkers = 4

type record struct {
	id       int
	binding  contracts.Binding
	callback Callback
	queue    string
	props    contracts.QueueProperties
}

// Registry owns the binding and channel id tables. Its lock is only held for
// table access, never while a callback runs.
type Registry struct {
	mu        sync.Mutex
	byBinding map[contracts.Binding]*record
	byID      map[int]*record
	lastID    int
	mode      DispatchMode
	workers   int
	backlog   int
	pool      *pool
	logger    zerolog.Logger
	onPanic   func(contracts.Binding, any)
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDispatchMode sets the initial dispatch mode
func WithDispatchMode(mode DispatchMode) Option {
	return func(r *Registry) {
		r.mode = mode
	}
}

// WithWorkers sizes the fan-out pool and each worker's backlog
func WithWorkers(workers, backlog int) Option {
	return func(r *Registry) {
		r.workers = workers
		r.backlog = backlog
	}
}

// WithPanicHandler is called after a callback panic has been recovered
func WithPanicHandler(fn func(contracts.Binding, any)) Option {
	return func(r *Registry) {
		r.onPanic = fn
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		byBinding: make(map[contracts.Binding]*record),
		byID:      make(map[int]*record),
		workers:   DefaultWorkers,
		backlog:   defaultWorkerBacklog,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddBinding registers cb for b and returns its channel id. Registering an
// existing binding replaces its callback and keeps the id. Ids start at 1
// and are never reused; -1 means the tables disagree.
func (r *Registry) AddBinding(b contracts.Binding, cb Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byBinding[b]; ok {
		rec.callback = cb
		r.logger.Warn().
			Int("channel", rec.id).
			Str("binding", b.String()).
			Msg("binding already registered, callback replaced")
		return rec.id
	}

	id := r.lastID + 1
	if _, taken := r.byID[id]; taken {
		r.logger.Error().Int("channel", id).Msg("channel id already in use")
		return -1
	}

	r.lastID = id
	rec := &record{
		id:       id,
		binding:  b,
		callback: cb,
		props:    contracts.DefaultQueueProperties(),
	}
	r.byBinding[b] = rec
	r.byID[id] = rec
	return id
}

// RemoveBinding drops b and returns the channel id it held. The id is
// retired, and ok is false when b was not registered.
func (r *Registry) RemoveBinding(b contracts.Binding) (id int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byBinding[b]
	if !ok {
		return 0, false
	}
	delete(r.byBinding, b)
	delete(r.byID, rec.id)
	return rec.id, true
}

// Lookup returns the channel id of b
func (r *Registry) Lookup(b contracts.Binding) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byBinding[b]
	if !ok {
		return 0, false
	}
	return rec.id, true
}

// Dispatch hands msg to the callback registered for b. Messages for unknown
// bindings are dropped and Dispatch reports false.
func (r *Registry) Dispatch(b contracts.Binding, msg contracts.Message) bool {
	r.mu.Lock()
	rec, ok := r.byBinding[b]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("binding", b.String()).Msg("no binding for delivery, dropped")
		return false
	}
	id, cb, mode := rec.id, rec.callback, r.mode
	var p *pool
	if mode == DispatchFanOut {
		p = r.startPoolLocked()
	}
	r.mu.Unlock()

	if p != nil {
		if p.submit(id, task{binding: b, callback: cb, msg: msg.Clone()}) {
			return true
		}
	}
	r.invoke(task{binding: b, callback: cb, msg: msg})
	return true
}

func (r *Registry) startPoolLocked() *pool {
	if r.pool == nil {
		r.pool = newPool(r.workers, r.backlog, r.invoke)
	}
	return r.pool
}

func (r *Registry) invoke(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("binding", t.binding.String()).
				Interface("panic", rec).
				Msg("callback panicked")
			if r.onPanic != nil {
				r.onPanic(t.binding, rec)
			}
		}
	}()
	t.callback(t.msg)
}

// SetDispatchMode switches between synchronous and fan-out dispatch for
// subsequent deliveries
func (r *Registry) SetDispatchMode(mode DispatchMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
}

// DispatchMode returns the current dispatch mode
func (r *Registry) DispatchMode() DispatchMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Close waits for queued fan-out callbacks and stops the pool. The next
// fan-out delivery starts a fresh one.
func (r *Registry) Close() {
	r.mu.Lock()
	p := r.pool
	r.pool = nil
	r.mu.Unlock()

	if p != nil {
		p.close()
	}
}

func (r *Registry) get(id int) (*record, bool) {
	rec, ok := r.byID[id]
	return rec, ok
}

// SetQueueName records the broker-assigned queue for channel id
func (r *Registry) SetQueueName(id int, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.get(id)
	if ok {
		rec.queue = name
	}
	return ok
}

// QueueName returns the last queue name recorded for channel id
func (r *Registry) QueueName(id int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.get(id)
	if !ok {
		return "", false
	}
	return rec.queue, true
}

// QueueProperties returns the queue declaration flags for channel id
func (r *Registry) QueueProperties(id int) (contracts.QueueProperties, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.get(id)
	if !ok {
		return contracts.QueueProperties{}, false
	}
	return rec.props, true
}

// SetQueueProperties replaces the queue declaration flags for channel id.
// They take effect on the next bind.
func (r *Registry) SetQueueProperties(id int, props contracts.QueueProperties) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.get(id)
	if ok {
		rec.props = props
	}
	return ok
}

// Exchange returns the exchange bound on channel id
func (r *Registry) Exchange(id int) (string, bool) {
	b, ok := r.Binding(id)
	return b.Exchange, ok
}

// BindingKey returns the routing key bound on channel id
func (r *Registry) BindingKey(id int) (string, bool) {
	b, ok := r.Binding(id)
	return b.RoutingKey, ok
}

// Binding returns the binding of channel id
func (r *Registry) Binding(id int) (contracts.Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.get(id)
	if !ok {
		return contracts.Binding{}, false
	}
	return rec.binding, true
}

// ChannelIDs returns every registered channel id in ascending order
func (r *Registry) ChannelIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of bindings
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

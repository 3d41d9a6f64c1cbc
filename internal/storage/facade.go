// Package storage presents one asynchronous key-value interface over three
// backing media: an in-memory cache, the device-scoped sqlite store, and the
// remote store reached through the gateway connection. Routing is fixed per
// key prefix; operations against an unready remote channel are queued and
// drained FIFO once the connection reports ready.
//
// The façade never surfaces errors to callers: every failure degrades to a
// cached, local, or zero value and is logged. UI code is not expected to
// wrap storage calls in error handling.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rmarins/chatkit/internal/crypto"
	"github.com/rmarins/chatkit/internal/protocol"
	"github.com/rmarins/chatkit/internal/store"
)

const (
	// defaultPollInterval drives readiness detection of the remote channel.
	defaultPollInterval = 500 * time.Millisecond
	// defaultRemoteTimeout bounds one remote operation before falling back.
	defaultRemoteTimeout = 5 * time.Second
)

var (
	errRemoteTimeout = errors.New("storage: remote operation timed out")
	errRemoteRefused = errors.New("storage: remote store refused operation")
)

type cacheItem struct {
	value    string
	storedAt time.Time
	ttl      time.Duration
}

func (i cacheItem) expired(now time.Time) bool {
	return i.ttl > 0 && now.Sub(i.storedAt) >= i.ttl
}

// queuedOp is one deferred storage operation. Each op is its own retryable
// unit: it absorbs remote failures by falling back to the local store, so a
// failing op never blocks the ones queued behind it.
type queuedOp struct {
	label string
	run   func(ctx context.Context)
}

type remoteReply struct {
	value string
	found bool
	// ok is the ack outcome for set/delete; a refused write must fall back
	// to the local store, not pass as success.
	ok bool
}

// Options configures a Facade.
type Options struct {
	PollInterval  time.Duration
	RemoteTimeout time.Duration
	// Sealer encrypts values in protected namespaces before local
	// persistence. Nil routes those values to the local store unsealed.
	Sealer *crypto.Sealer
}

// Facade is the storage service handed to UI-adjacent code.
type Facade struct {
	transport     Transport
	db            *store.DB
	sealer        *crypto.Sealer
	logger        *zap.Logger
	pollInterval  time.Duration
	remoteTimeout time.Duration
	now           func() time.Time

	mu       sync.Mutex
	cache    map[string]cacheItem
	queue    []queuedOp
	draining bool
	wasReady bool

	pendMu  sync.Mutex
	pending map[string]chan remoteReply

	handlerIDs map[protocol.EventType]int
	cancel     context.CancelFunc
}

// New creates a Facade over the given transport and local store.
func New(transport Transport, db *store.DB, opts Options, logger *zap.Logger) *Facade {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	return &Facade{
		transport:     transport,
		db:            db,
		sealer:        opts.Sealer,
		logger:        logger,
		pollInterval:  opts.PollInterval,
		remoteTimeout: opts.RemoteTimeout,
		now:           time.Now,
		cache:         make(map[string]cacheItem),
		pending:       make(map[string]chan remoteReply),
		handlerIDs:    make(map[protocol.EventType]int),
	}
}

// Start registers storage-response handlers on the transport and begins the
// readiness poll that drains the deferred-operation queue.
func (f *Facade) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	f.handlerIDs[protocol.TypeStorageGot] = f.transport.On(protocol.TypeStorageGot, func(evt protocol.ServerEvent) {
		got := evt.(*protocol.StorageGot)
		f.deliver("get:"+got.Key, remoteReply{value: got.Value, found: got.Found, ok: true})
	})
	f.handlerIDs[protocol.TypeStorageSetAck] = f.transport.On(protocol.TypeStorageSetAck, func(evt protocol.ServerEvent) {
		ack := evt.(*protocol.StorageSetAck)
		f.deliver("set:"+ack.Key, remoteReply{ok: ack.OK})
	})
	f.handlerIDs[protocol.TypeStorageDeleted] = f.transport.On(protocol.TypeStorageDeleted, func(evt protocol.ServerEvent) {
		del := evt.(*protocol.StorageDeleted)
		f.deliver("del:"+del.Key, remoteReply{ok: del.OK})
	})

	go f.pollLoop(ctx)
}

// Stop halts the readiness poll and unregisters transport handlers.
// Operations still queued stay queued; a later Start resumes draining.
func (f *Facade) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	for t, id := range f.handlerIDs {
		f.transport.Off(t, id)
	}
}

// Get reads a key. The memory cache answers first (honoring TTL); local
// keys fall through to sqlite, remote keys to the gateway. When the remote
// channel is down the read is queued and Get blocks until the queue drains
// or ctx is done, then degrades to the local (possibly stale) value.
func (f *Facade) Get(ctx context.Context, key string) (string, bool) {
	f.mu.Lock()
	if item, ok := f.cache[key]; ok {
		if !item.expired(f.now()) {
			f.mu.Unlock()
			return item.value, true
		}
		delete(f.cache, key)
	}
	f.mu.Unlock()

	switch routeKey(key) {
	case TierMemory:
		return "", false
	case TierLocal:
		return f.localGet(key)
	}

	if f.transport.IsConnected() {
		value, found, err := f.remoteGet(ctx, key)
		if err != nil {
			f.logger.Warn("remote get failed, using local value",
				zap.String("key", key), zap.Error(err))
			return f.localGet(key)
		}
		if found {
			f.cacheStore(key, value, 0)
		}
		return value, found
	}

	type result struct {
		value string
		found bool
	}
	ch := make(chan result, 1)
	f.enqueue(queuedOp{label: "get " + key, run: func(ctx context.Context) {
		value, found, err := f.remoteGet(ctx, key)
		if err != nil {
			f.logger.Warn("deferred get failed, using local value",
				zap.String("key", key), zap.Error(err))
			v, ok := f.localGet(key)
			ch <- result{value: v, found: ok}
			return
		}
		if found {
			f.cacheStore(key, value, 0)
		}
		ch <- result{value: value, found: found}
	}})

	select {
	case r := <-ch:
		return r.value, r.found
	case <-ctx.Done():
		// Caller stopped waiting; the queued op still runs on drain.
		return f.localGet(key)
	}
}

// Set writes a key. The memory cache is updated synchronously so a read
// issued immediately after observes the new value regardless of how the
// durable write proceeds. ttl of zero means no expiry.
func (f *Facade) Set(ctx context.Context, key, value string, ttl time.Duration) {
	f.cacheStore(key, value, ttl)

	switch routeKey(key) {
	case TierMemory:
		return
	case TierLocal:
		f.localSet(key, value)
		return
	}

	if f.transport.IsConnected() {
		if err := f.remoteSet(ctx, key, value, ttl); err != nil {
			f.logger.Warn("remote set failed, persisting locally",
				zap.String("key", key), zap.Error(err))
			f.localSet(key, value)
		}
		return
	}

	f.enqueue(queuedOp{label: "set " + key, run: func(ctx context.Context) {
		if err := f.remoteSet(ctx, key, value, ttl); err != nil {
			f.logger.Warn("deferred set failed, persisting locally",
				zap.String("key", key), zap.Error(err))
			f.localSet(key, value)
		}
	}})
}

// Remove deletes a key everywhere its routing reaches. The memory cache
// deletion is synchronous and unconditional.
func (f *Facade) Remove(ctx context.Context, key string) {
	f.mu.Lock()
	delete(f.cache, key)
	f.mu.Unlock()

	switch routeKey(key) {
	case TierMemory:
		return
	case TierLocal:
		f.localDelete(key)
		return
	}

	if f.transport.IsConnected() {
		if err := f.remoteDelete(ctx, key); err != nil {
			f.logger.Warn("remote delete failed, deleting locally",
				zap.String("key", key), zap.Error(err))
			f.localDelete(key)
		}
		return
	}

	f.enqueue(queuedOp{label: "del " + key, run: func(ctx context.Context) {
		if err := f.remoteDelete(ctx, key); err != nil {
			f.logger.Warn("deferred delete failed, deleting locally",
				zap.String("key", key), zap.Error(err))
		}
		f.localDelete(key)
	}})
}

// QueueLen reports how many operations await the remote channel.
func (f *Facade) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *Facade) cacheStore(key, value string, ttl time.Duration) {
	f.mu.Lock()
	f.cache[key] = cacheItem{value: value, storedAt: f.now(), ttl: ttl}
	f.mu.Unlock()
}

func (f *Facade) enqueue(op queuedOp) {
	f.mu.Lock()
	f.queue = append(f.queue, op)
	n := len(f.queue)
	f.mu.Unlock()
	f.logger.Debug("storage op queued", zap.String("op", op.label), zap.Int("depth", n))
}

func (f *Facade) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := f.transport.IsConnected()
			f.mu.Lock()
			rising := ready && !f.wasReady
			f.wasReady = ready
			pending := len(f.queue) > 0
			f.mu.Unlock()
			if ready && (rising || pending) {
				f.drain(ctx)
			}
		}
	}
}

// drain executes queued operations strictly FIFO. Operations enqueued while
// a drain is running are not lost; they execute in a subsequent drain.
func (f *Facade) drain(ctx context.Context) {
	f.mu.Lock()
	if f.draining || len(f.queue) == 0 {
		f.mu.Unlock()
		return
	}
	f.draining = true
	ops := f.queue
	f.queue = nil
	f.mu.Unlock()

	f.logger.Info("draining storage queue", zap.Int("ops", len(ops)))
	for _, op := range ops {
		op.run(ctx)
	}

	f.mu.Lock()
	f.draining = false
	f.mu.Unlock()
}

// --- local tier ---

func (f *Facade) localGet(key string) (string, bool) {
	entry, err := f.db.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			f.logger.Warn("local get failed", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	value := entry.Value
	if entry.Sealed {
		if f.sealer == nil {
			f.logger.Warn("sealed value present but no sealer configured", zap.String("key", key))
			return "", false
		}
		plain, err := f.sealer.Open(entry.Value)
		if err != nil {
			f.logger.Warn("unseal failed", zap.String("key", key), zap.Error(err))
			return "", false
		}
		value = string(plain)
	}
	f.cacheStore(key, value, 0)
	return value, true
}

func (f *Facade) localSet(key, value string) {
	sealed := sealedKey(key) && f.sealer != nil
	if sealed {
		enc, err := f.sealer.Seal([]byte(value))
		if err != nil {
			f.logger.Warn("seal failed, value not persisted", zap.String("key", key), zap.Error(err))
			return
		}
		value = enc
	}
	if err := f.db.Set(key, value, sealed); err != nil {
		f.logger.Warn("local set failed", zap.String("key", key), zap.Error(err))
	}
}

func (f *Facade) localDelete(key string) {
	if err := f.db.Delete(key); err != nil {
		f.logger.Warn("local delete failed", zap.String("key", key), zap.Error(err))
	}
}

// --- remote tier ---

func (f *Facade) remoteGet(ctx context.Context, key string) (string, bool, error) {
	ch := f.await("get:" + key)
	defer f.forget("get:" + key)
	if err := f.transport.Send(protocol.StorageGet{Key: key}); err != nil {
		return "", false, err
	}
	select {
	case rep := <-ch:
		return rep.value, rep.found, nil
	case <-time.After(f.remoteTimeout):
		return "", false, errRemoteTimeout
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (f *Facade) remoteSet(ctx context.Context, key, value string, ttl time.Duration) error {
	ch := f.await("set:" + key)
	defer f.forget("set:" + key)
	if err := f.transport.Send(protocol.StorageSet{Key: key, Value: value, TTLMs: ttl.Milliseconds()}); err != nil {
		return err
	}
	select {
	case rep := <-ch:
		if !rep.ok {
			return errRemoteRefused
		}
		return nil
	case <-time.After(f.remoteTimeout):
		return errRemoteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Facade) remoteDelete(ctx context.Context, key string) error {
	ch := f.await("del:" + key)
	defer f.forget("del:" + key)
	if err := f.transport.Send(protocol.StorageDelete{Key: key}); err != nil {
		return err
	}
	select {
	case rep := <-ch:
		if !rep.ok {
			return errRemoteRefused
		}
		return nil
	case <-time.After(f.remoteTimeout):
		return errRemoteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await registers interest in the correlated response for one key. The
// protocol assumes one in-flight operation per key; a second registration
// supersedes the first, whose eventual reply is then ignored.
func (f *Facade) await(corr string) chan remoteReply {
	ch := make(chan remoteReply, 1)
	f.pendMu.Lock()
	if _, exists := f.pending[corr]; exists {
		f.logger.Debug("superseding in-flight storage op", zap.String("corr", corr))
	}
	f.pending[corr] = ch
	f.pendMu.Unlock()
	return ch
}

func (f *Facade) forget(corr string) {
	f.pendMu.Lock()
	delete(f.pending, corr)
	f.pendMu.Unlock()
}

func (f *Facade) deliver(corr string, rep remoteReply) {
	f.pendMu.Lock()
	ch, ok := f.pending[corr]
	f.pendMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- rep:
	default:
	}
}

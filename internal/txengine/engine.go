package txengine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelwallet/keel/internal/metrics"
	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// EngineConfig wires the lifecycle engine's collaborators.
type EngineConfig struct {
	Approver    Approver
	Permissions PermissionStore
	Accounts    AccountSource
	Tracker     TrackerConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// Engine drives transactions from submission to a terminal status. All
// transaction state is owned by the engine behind a single mutex;
// callers only ever see clones. Processing is single-flight per id
// through an internal queue.
type Engine struct {
	chains      *network.Registry
	adapters    *AdapterRegistry
	approver    Approver
	permissions PermissionStore
	accounts    AccountSource

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	queue   *processQueue
	tracker *Tracker

	mu      sync.Mutex
	txs     map[string]*Meta
	drafts  map[string]*Draft
	signed  map[string]*SignedTx
	subs    map[int]func(StatusChange)
	nextSub int
	closed  bool
}

// NewEngine creates a lifecycle engine bound to a chain registry and an
// adapter registry.
func NewEngine(chains *network.Registry, adapters *AdapterRegistry, cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	e := &Engine{
		chains:      chains,
		adapters:    adapters,
		approver:    cfg.Approver,
		permissions: cfg.Permissions,
		accounts:    cfg.Accounts,
		log:         log,
		metrics:     m,
		now:         now,
		newID:       newID,
		txs:         make(map[string]*Meta),
		drafts:      make(map[string]*Draft),
		signed:      make(map[string]*SignedTx),
		subs:        make(map[int]func(StatusChange)),
	}
	e.queue = newProcessQueue(e.processTransaction)
	e.tracker = NewTracker(cfg.Tracker, e.probeFor, TrackerCallbacks{
		OnResolution:  e.onResolution,
		OnReplacement: e.onReplacement,
		OnError:       e.onTrackerError,
	})
	return e
}

// Close stops the worker and all receipt watches.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.queue.close()
	e.tracker.Close()
}

// Subscribe registers a status-change listener and returns an
// unsubscribe function. Listeners run outside the engine lock.
func (e *Engine) Subscribe(fn func(StatusChange)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Submit registers a transaction request, drafts it, and blocks until
// the approval collaborator decides. A draft-build failure does not
// abort submission: the problem is attached as an issue and the request
// still goes to approval so the user sees what was asked of them.
//
// On approval the transaction is queued for processing and Submit
// returns the approved record. On rejection the record moves to failed
// and the normalized rejection error is returned alongside it.
func (e *Engine) Submit(ctx context.Context, origin string, ref network.Ref, req TxRequest) (*Meta, error) {
	chain, err := e.resolveChain(ref)
	if err != nil {
		return nil, err
	}
	ref = chain.Ref
	ns := ref.Namespace()

	from := req.From
	if from == "" && e.accounts != nil {
		from = e.accounts.ActiveAccount(ns)
	}

	id := e.newID()
	createdAt := e.now()
	meta := &Meta{
		ID:        id,
		Namespace: ns,
		ChainRef:  ref,
		Origin:    origin,
		From:      from,
		Request:   req,
		Status:    StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	draft := e.buildDraft(ctx, meta)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, keelerr.New("ENGINE_CLOSED", "transaction engine is closed")
	}
	e.txs[id] = meta
	e.drafts[id] = draft
	meta.Warnings = cloneIssues(draft.Warnings)
	meta.Issues = cloneIssues(draft.Issues)
	e.mu.Unlock()

	e.publish(StatusChange{ID: id, Prev: "", Next: StatusPending, Meta: meta.Clone()})
	e.log.Info("transaction submitted",
		slog.String("tx", id),
		slog.String("chain", string(ref)),
		slog.String("origin", origin),
		slog.Int("issues", len(draft.Issues)),
	)

	if e.approver == nil {
		if err := e.Approve(id); err != nil {
			return nil, err
		}
		return e.Get(id)
	}

	task := ApprovalTask{
		ID:        id,
		Type:      "transaction",
		Origin:    origin,
		Namespace: ns,
		ChainRef:  ref,
		Draft:     draft,
		Meta:      meta.Clone(),
	}
	if err := e.approver.RequestApproval(ctx, task); err != nil {
		rejection := e.normalizeRejection(err)
		_ = e.Reject(id, rejection)
		rejected, _ := e.Get(id)
		return rejected, rejection
	}

	if err := e.Approve(id); err != nil {
		return nil, err
	}
	return e.Get(id)
}

// Approve moves a pending transaction to approved and queues it for
// processing. Approving a transaction that is not pending is a no-op,
// so a double approval processes it exactly once.
func (e *Engine) Approve(id string) error {
	e.mu.Lock()
	meta, ok := e.txs[id]
	if !ok {
		e.mu.Unlock()
		return keelerr.WithDetails(keelerr.ErrTransactionNotFound, map[string]string{"id": id})
	}
	if meta.Status != StatusPending {
		e.mu.Unlock()
		return nil
	}
	change := e.transitionLocked(meta, StatusApproved)
	e.mu.Unlock()

	e.publish(change)
	e.queue.enqueue(id)
	return nil
}

// Reject moves a transaction to failed with a normalized rejection
// error. Terminal transactions and unknown ids are left untouched.
func (e *Engine) Reject(id string, reason error) error {
	if reason == nil {
		reason = keelerr.ErrUserRejected
	}
	return e.fail(id, e.normalizeRejection(reason))
}

// Get returns a clone of the transaction record.
func (e *Engine) Get(id string) (*Meta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta, ok := e.txs[id]
	if !ok {
		return nil, keelerr.WithDetails(keelerr.ErrTransactionNotFound, map[string]string{"id": id})
	}
	return meta.Clone(), nil
}

// List returns clones of all transaction records, oldest first.
func (e *Engine) List() []*Meta {
	e.mu.Lock()
	out := make([]*Meta, 0, len(e.txs))
	for _, meta := range e.txs {
		out = append(out, meta.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Snapshot is List under a name that signals its purpose: the exported
// records are the persistence image a host application stores.
func (e *Engine) Snapshot() []*Meta {
	return e.List()
}

// Hydrate loads previously exported records. It is meant to run once at
// startup before ResumePending; existing ids are overwritten.
func (e *Engine) Hydrate(records []*Meta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, meta := range records {
		if meta == nil || meta.ID == "" {
			continue
		}
		e.txs[meta.ID] = meta.Clone()
	}
}

// ResumePending re-queues non-terminal transactions after a restart:
// approved and signed records go back through the processing queue,
// broadcast records reattach to the receipt tracker. Pending records
// stay pending; they still need an approval decision.
func (e *Engine) ResumePending() {
	e.mu.Lock()
	type resume struct {
		id     string
		status Status
		meta   *Meta
	}
	var resumes []resume
	for id, meta := range e.txs {
		switch meta.Status {
		case StatusApproved, StatusSigned:
			resumes = append(resumes, resume{id: id, status: meta.Status})
		case StatusBroadcast:
			if meta.Hash != "" {
				resumes = append(resumes, resume{id: id, status: meta.Status, meta: meta.Clone()})
			}
		}
	}
	e.mu.Unlock()

	for _, r := range resumes {
		switch r.status {
		case StatusBroadcast:
			e.tracker.Resume(r.id, r.meta, r.meta.Hash)
		default:
			e.queue.enqueue(r.id)
		}
		e.log.Info("transaction resumed", slog.String("tx", r.id), slog.String("status", string(r.status)))
	}
}

// resolveChain validates the target chain, defaulting to the active one
// when the ref is empty.
func (e *Engine) resolveChain(ref network.Ref) (*network.ChainMetadata, error) {
	if ref == "" {
		meta, err := e.chains.ActiveChain()
		if err != nil {
			return nil, err
		}
		return meta, nil
	}
	return e.chains.GetChain(ref)
}

// buildDraft asks the adapter to draft the transaction. Any failure is
// folded into a degraded draft carrying a draft_failed issue so the
// request can still be shown for approval.
func (e *Engine) buildDraft(ctx context.Context, meta *Meta) *Draft {
	adapter, err := e.adapters.Resolve(meta.Namespace)
	if err == nil {
		var draft *Draft
		draft, err = adapter.BuildDraft(ctx, meta.Clone())
		if err == nil && draft != nil {
			return draft
		}
	}

	issue := Issue{Code: IssueDraftFailed, Message: "could not prepare transaction"}
	if err != nil {
		issue.Details = map[string]string{"error": err.Error()}
		e.log.Warn("draft build failed",
			slog.String("tx", meta.ID),
			slog.String("chain", string(meta.ChainRef)),
			slog.String("error", err.Error()),
		)
	}
	return &Draft{Prepared: meta.Request, Issues: []Issue{issue}}
}

// normalizeRejection maps approval-layer errors onto the canonical
// user-rejected error so callers see a stable code. JSON-RPC 4001 from
// a provider surface counts as an explicit user decline.
func (e *Engine) normalizeRejection(err error) error {
	if err == nil {
		return nil
	}
	if keelerr.IsUserRejection(err) {
		if keelerr.Is(err, keelerr.ErrUserRejected) {
			return err
		}
		return wrapSentinel(keelerr.ErrUserRejected, err)
	}
	return err
}

// processTransaction is the queue worker body: one full pass from the
// current status to broadcast, or to failed on the first error.
func (e *Engine) processTransaction(id string) {
	e.mu.Lock()
	meta, ok := e.txs[id]
	if !ok || (meta.Status != StatusApproved && meta.Status != StatusSigned) {
		e.mu.Unlock()
		return
	}
	snapshot := meta.Clone()
	draft := e.drafts[id]
	signed := e.signed[id]
	e.mu.Unlock()

	adapter, err := e.adapters.Resolve(snapshot.Namespace)
	if err != nil {
		_ = e.fail(id, err)
		return
	}

	ctx := context.Background()

	if snapshot.Status == StatusApproved {
		if draft == nil {
			draft = e.buildDraft(ctx, snapshot)
		}
		if draft.Blocked() {
			_ = e.fail(id, keelerr.WithDetails(keelerr.ErrInvalidInput, issueDetails(draft.Issues)))
			return
		}
		signed, err = adapter.SignTransaction(ctx, snapshot, draft)
		if err != nil {
			_ = e.fail(id, wrapSentinel(keelerr.ErrSigningFailed, err))
			return
		}
		if !e.markSigned(id, draft.Prepared, signed) {
			return
		}
		snapshot.Status = StatusSigned
		if e.permissions != nil {
			e.permissions.Grant(snapshot.Origin, "sign", snapshot.ChainRef)
		}
	}

	// Resuming a signed transaction after a restart loses the raw
	// bytes, so sign again before broadcasting.
	if signed == nil {
		if draft == nil {
			draft = e.buildDraft(ctx, snapshot)
		}
		if draft.Blocked() {
			_ = e.fail(id, keelerr.WithDetails(keelerr.ErrInvalidInput, issueDetails(draft.Issues)))
			return
		}
		signed, err = adapter.SignTransaction(ctx, snapshot, draft)
		if err != nil {
			_ = e.fail(id, wrapSentinel(keelerr.ErrSigningFailed, err))
			return
		}
	}

	hash, err := adapter.BroadcastTransaction(ctx, snapshot, signed)
	if err != nil {
		_ = e.fail(id, wrapSentinel(keelerr.ErrBroadcastFailed, err))
		return
	}
	e.markBroadcast(id, hash)
}

// wrapSentinel attaches a cause to a sentinel while keeping the
// sentinel's code and exit code on the outer error.
func wrapSentinel(sentinel *keelerr.KeelError, cause error) error {
	out := *sentinel
	out.Cause = cause
	return &out
}

func issueDetails(issues []Issue) map[string]string {
	details := make(map[string]string, len(issues))
	for _, issue := range issues {
		details[issue.Code] = issue.Message
	}
	return details
}

// markSigned records the signing result, folds the resolved fields back
// into the stored request, and discards the draft. The record must
// reflect what was actually signed so the receipt tracker can use the
// resolved nonce for replacement detection.
func (e *Engine) markSigned(id string, prepared TxRequest, signed *SignedTx) bool {
	e.mu.Lock()
	meta, ok := e.txs[id]
	if !ok || meta.Status != StatusApproved {
		e.mu.Unlock()
		return false
	}
	meta.Request = prepared
	e.signed[id] = signed
	delete(e.drafts, id)
	change := e.transitionLocked(meta, StatusSigned)
	e.mu.Unlock()

	e.publish(change)
	return true
}

// markBroadcast records the hash, moves to broadcast, and starts the
// receipt watch.
func (e *Engine) markBroadcast(id, hash string) {
	e.mu.Lock()
	meta, ok := e.txs[id]
	if !ok || meta.Status != StatusSigned {
		e.mu.Unlock()
		return
	}
	meta.Hash = hash
	delete(e.signed, id)
	change := e.transitionLocked(meta, StatusBroadcast)
	watched := meta.Clone()
	e.mu.Unlock()

	e.publish(change)
	e.tracker.Start(id, watched, hash)
	e.log.Info("transaction broadcast", slog.String("tx", id), slog.String("hash", hash))
}

// fail moves a transaction to failed with the normalized error.
// Unknown ids and already-terminal transactions are no-ops.
func (e *Engine) fail(id string, cause error) error {
	e.mu.Lock()
	meta, ok := e.txs[id]
	if !ok || meta.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	meta.Error = metaErrorFrom(cause)
	delete(e.drafts, id)
	delete(e.signed, id)
	change := e.transitionLocked(meta, StatusFailed)
	e.mu.Unlock()

	e.tracker.Stop(id)
	e.publish(change)
	e.log.Warn("transaction failed",
		slog.String("tx", id),
		slog.String("code", keelerr.Code(cause)),
		slog.String("error", cause.Error()),
	)
	return nil
}

// onResolution handles a terminal receipt outcome from the tracker.
func (e *Engine) onResolution(id string, res ReceiptResolution) {
	switch res.Kind {
	case ResolutionConfirmed:
		e.settle(id, StatusConfirmed, res.Receipt, nil)
	case ResolutionExecutionFailed:
		e.settle(id, StatusFailed, res.Receipt, keelerr.ErrExecutionReverted)
	case ResolutionTimeout:
		e.settle(id, StatusFailed, nil, keelerr.ErrReceiptTimeout)
	}
}

// onReplacement handles a sender/nonce replacement from the tracker.
func (e *Engine) onReplacement(id string, res ReplacementResolution) {
	e.mu.Lock()
	meta, ok := e.txs[id]
	if !ok || meta.Status != StatusBroadcast {
		e.mu.Unlock()
		return
	}
	meta.Hash = res.NewHash
	meta.Error = metaErrorFrom(keelerr.ErrTransactionReplaced)
	change := e.transitionLocked(meta, StatusReplaced)
	e.mu.Unlock()

	e.publish(change)
	e.log.Info("transaction replaced", slog.String("tx", id), slog.String("hash", res.NewHash))
}

func (e *Engine) onTrackerError(id string, err error) {
	_ = e.fail(id, err)
}

// settle applies a tracker outcome to a broadcast transaction.
func (e *Engine) settle(id string, next Status, receipt *Receipt, cause error) {
	e.mu.Lock()
	meta, ok := e.txs[id]
	if !ok || meta.Status != StatusBroadcast {
		e.mu.Unlock()
		return
	}
	if receipt != nil {
		r := *receipt
		meta.Receipt = &r
	}
	if cause != nil {
		meta.Error = metaErrorFrom(cause)
	}
	change := e.transitionLocked(meta, next)
	e.mu.Unlock()

	e.publish(change)
	e.log.Info("transaction settled",
		slog.String("tx", id),
		slog.String("status", string(next)),
	)
}

// transitionLocked mutates the status under the engine lock and
// returns the change to publish after unlocking.
func (e *Engine) transitionLocked(meta *Meta, next Status) StatusChange {
	prev := meta.Status
	meta.Status = next
	meta.UpdatedAt = e.now()
	e.metrics.RecordStatusTransition(string(next))
	return StatusChange{ID: meta.ID, Prev: prev, Next: next, Meta: meta.Clone()}
}

// publish fans a status change out to subscribers outside the lock.
func (e *Engine) publish(change StatusChange) {
	e.mu.Lock()
	fns := make([]func(StatusChange), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// probeFor resolves the tracker-facing side of the namespace adapter.
func (e *Engine) probeFor(ns network.Namespace) (ReceiptProbe, error) {
	adapter, err := e.adapters.Resolve(ns)
	if err != nil {
		return nil, err
	}
	probe, ok := adapter.(ReceiptProbe)
	if !ok {
		return nil, keelerr.WithDetails(keelerr.ErrAdapterNotFound, map[string]string{
			"namespace": string(ns),
			"reason":    "adapter does not support receipt tracking",
		})
	}
	return probe, nil
}

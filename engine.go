package bridge

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zyedidia/generic/mapset"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

// Engine coordinates the operation ledger. It is the only component
// mutating operations, pointers and address counters; every mutation is
// a single badger transaction, so a crash leaves either the pre- or the
// post-state, never a mix. Commit conflicts between concurrent requests
// surface as isConflict errors and are safe to retry.
type Engine struct {
	db    *badger.DB
	cfg   *Config
	blobs *BlobStore
}

func NewEngine(db *badger.DB, cfg *Config, blobs *BlobStore) *Engine {
	return &Engine{
		db:    db,
		cfg:   cfg,
		blobs: blobs,
	}
}

// Propose appends a new operation to the ledger. Only one operation may
// be pending at a time, and a proposer that has not acknowledged every
// ledger entry yet must catch up first. Auto-approved types skip the
// voting round and are stored approved; everything else starts pending
// with an empty response set, the proposer votes like any other
// cosigner afterwards.
func (e *Engine) Propose(proposer string, typ OperationType, files []File) (*Operation, error) {
	if !typ.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "invalid operation type %d", typ)
	}
	if len(files) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "no files nor PSBT provided")
	}
	psbts := 0
	for _, f := range files {
		if f.Type == FileTypePSBT {
			psbts++
		}
	}
	if psbts > 1 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "more than one PSBT provided")
	}

	txn := e.db.NewTransaction(true)
	defer txn.Discard()

	if idx, ok, err := pendingOperationIndex(txn); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.Wrapf(errors.ErrState, "operation %d is still pending", idx)
	}

	last, err := lastOperationIndex(txn)
	if err != nil {
		return nil, err
	}
	pointer, err := findPointer(txn, proposer)
	if err != nil {
		return nil, err
	}
	if pointer != last {
		return nil, errors.Wrap(errors.ErrOrdering, "proposer has unprocessed operations")
	}

	op := &Operation{
		Index:     last + 1,
		Type:      typ,
		Proposer:  proposer,
		Status:    OperationStatusPending,
		CreatedAt: time.Now(),
		Files:     files,
		Responses: map[string]*Response{},
		Acks:      map[string]time.Time{},
	}
	if typ.AutoApproved() {
		op.Status = OperationStatusApproved
	}

	if err := saveOperation(txn, op); err != nil {
		return nil, err
	}
	if err := saveLastOperationIndex(txn, op.Index); err != nil {
		return nil, err
	}
	if op.Status == OperationStatusPending {
		if err := savePendingOperationIndex(txn, op.Index); err != nil {
			return nil, err
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}

	return op, nil
}

// Respond records one cosigner's vote on the pending operation and
// resolves the status from the full response set. Approvals must carry
// the partially signed transaction; a vote is final and cannot be
// changed or repeated.
func (e *Engine) Respond(xpub string, idx uint64, approve bool, psbt string) (*Operation, error) {
	if approve && psbt == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "ACK requires PSBT file")
	}

	txn := e.db.NewTransaction(true)
	defer txn.Discard()

	op, err := findOperation(txn, idx)
	if err != nil {
		return nil, err
	}
	if op.Status != OperationStatusPending {
		return nil, errors.Wrap(errors.ErrState, "operation is not pending")
	}
	if op.Responded(xpub) {
		return nil, errors.Wrap(errors.ErrState, "already responded to this operation")
	}

	if op.Responses == nil {
		op.Responses = map[string]*Response{}
	}
	op.Responses[xpub] = &Response{
		Approve:     approve,
		RespondedAt: time.Now(),
		PSBT:        psbt,
	}
	e.resolve(op)

	if err := saveOperation(txn, op); err != nil {
		return nil, err
	}
	if op.Status != OperationStatusPending {
		if err := clearPendingOperationIndex(txn); err != nil {
			return nil, err
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}

	if op.Status != OperationStatusPending {
		slog.Debug("operation resolved",
			"idx", op.Index,
			"status", op.Status.String(),
		)
	}

	return op, nil
}

// resolve recomputes the status from the response set alone, so any
// arrival order of the same votes converges to the same outcome. With
// threshold t over n cosigners: approved once approvals reach t,
// discarded once the approvals still reachable fall below t.
func (e *Engine) resolve(op *Operation) {
	threshold, ok := e.cfg.ThresholdFor(op.Type)
	if !ok {
		return
	}

	n := len(e.cfg.CosignerXPubs)
	approvals := op.Approvals()
	remaining := n - len(op.Responses)

	switch {
	case approvals >= int(threshold):
		op.Status = OperationStatusApproved
	case approvals+remaining < int(threshold):
		op.Status = OperationStatusDiscarded
	}
}

// MarkProcessed advances the cosigner's processing pointer over a
// resolved operation. Pointers move by exactly one, so every cosigner
// acknowledges the ledger in order and never twice. The first
// acknowledgment of an operation settles its terminal status; later
// ones only move their own pointer.
func (e *Engine) MarkProcessed(xpub string, idx uint64) error {
	txn := e.db.NewTransaction(true)
	defer txn.Discard()

	op, err := findOperation(txn, idx)
	if err != nil {
		return err
	}
	if op.Status == OperationStatusPending {
		return errors.Wrap(errors.ErrState, "a pending operation cannot be marked as processed")
	}

	pointer, err := findPointer(txn, xpub)
	if err != nil {
		return err
	}
	if idx != pointer+1 {
		return errors.Wrapf(errors.ErrOrdering, "operation %d is not the next one to be processed", idx)
	}

	if op.Acks == nil {
		op.Acks = map[string]time.Time{}
	}
	if len(op.Acks) == 0 {
		switch op.Status {
		case OperationStatusApproved:
			op.Status = OperationStatusProcessed
		case OperationStatusDiscarded:
			op.Status = OperationStatusSkipped
		}
	}
	op.Acks[xpub] = time.Now()

	if err := saveOperation(txn, op); err != nil {
		return err
	}
	if err := savePointer(txn, xpub, idx); err != nil {
		return err
	}

	return txn.Commit()
}

// BumpAddressIndices reserves count derivation indices on one chain of
// the calling cosigner and returns the first index of the range.
func (e *Engine) BumpAddressIndices(xpub string, count uint8, internal bool) (uint32, error) {
	if count == 0 {
		return 0, errors.Wrap(errors.ErrInvalidRequest, "count must be greater than 0")
	}

	txn := e.db.NewTransaction(true)
	defer txn.Discard()

	index, err := findAddressIndex(txn, xpub)
	if err != nil {
		return 0, err
	}

	first := index.External
	if internal {
		first = index.Internal
	}
	if first > math.MaxUint32-uint32(count) {
		return 0, errors.Wrap(errors.ErrOverflow, "address index overflow")
	}
	if internal {
		index.Internal = first + uint32(count)
	} else {
		index.External = first + uint32(count)
	}

	if err := saveAddressIndex(txn, xpub, index); err != nil {
		return 0, err
	}

	if err := txn.Commit(); err != nil {
		return 0, err
	}

	return first, nil
}

// GetOperation renders the operation as seen by viewer: my_response and
// processed_at are the viewer's own, threshold is null for auto-approved
// types. A watch-only viewer passes an empty xpub and gets null for
// both.
func (e *Engine) GetOperation(idx uint64, viewer string) (*OperationView, error) {
	txn := e.db.NewTransaction(false)
	defer txn.Discard()

	op, err := findOperation(txn, idx)
	if err != nil {
		return nil, err
	}

	return e.buildView(op, viewer)
}

func (e *Engine) buildView(op *Operation, viewer string) (*OperationView, error) {
	acked, nacked := mapset.New[string](), mapset.New[string]()
	for xpub, r := range op.Responses {
		if r.Approve {
			acked.Put(xpub)
		} else {
			nacked.Put(xpub)
		}
	}

	view := &OperationView{
		OperationIdx:  op.Index,
		InitiatorXPub: op.Proposer,
		CreatedAt:     op.CreatedAt.Unix(),
		OperationType: op.Type,
		Status:        op.Status,
		AckedBy:       sortedValues(acked),
		NackedBy:      sortedValues(nacked),
		Files:         []FileMetadata{},
	}

	if threshold, ok := e.cfg.ThresholdFor(op.Type); ok {
		view.Threshold = &threshold
	}
	if r, ok := op.Responses[viewer]; ok {
		approve := r.Approve
		view.MyResponse = &approve
	}
	if at, ok := op.Acks[viewer]; ok {
		unix := at.Unix()
		view.ProcessedAt = &unix
	}

	seen := mapset.New[string]()
	for _, f := range op.Files {
		size, err := e.blobs.Size(f.ID)
		if err != nil {
			return nil, err
		}
		view.Files = append(view.Files, FileMetadata{
			FileID:       f.ID,
			Type:         f.Type,
			PostedByXPub: op.Proposer,
			SizeBytes:    size,
		})
		seen.Put(f.ID)
	}
	for _, xpub := range sortedResponders(op) {
		r := op.Responses[xpub]
		if r.PSBT == "" || seen.Has(r.PSBT) {
			continue
		}
		size, err := e.blobs.Size(r.PSBT)
		if err != nil {
			return nil, err
		}
		view.Files = append(view.Files, FileMetadata{
			FileID:       r.PSBT,
			Type:         FileTypePSBT,
			PostedByXPub: xpub,
			SizeBytes:    size,
		})
		seen.Put(r.PSBT)
	}

	return view, nil
}

// LastProcessedIndex reports how far the cosigner's acknowledgments
// have advanced, zero when it has processed nothing.
func (e *Engine) LastProcessedIndex(xpub string) (uint64, error) {
	txn := e.db.NewTransaction(false)
	defer txn.Discard()

	return findPointer(txn, xpub)
}

// CurrentAddressIndices returns the cosigner's next free derivation
// indices; callers derive the current ones from them.
func (e *Engine) CurrentAddressIndices(xpub string) (*AddressIndex, error) {
	txn := e.db.NewTransaction(false)
	defer txn.Discard()

	return findAddressIndex(txn, xpub)
}

// LastOperationIndex is the highest allocated index, zero for an empty
// ledger.
func (e *Engine) LastOperationIndex() (uint64, error) {
	txn := e.db.NewTransaction(false)
	defer txn.Discard()

	return lastOperationIndex(txn)
}

func sortedValues(set mapset.Set[string]) []string {
	values := make([]string, 0, set.Size())
	set.Each(func(v string) {
		values = append(values, v)
	})
	sort.Strings(values)
	return values
}

func sortedResponders(op *Operation) []string {
	xpubs := make([]string, 0, len(op.Responses))
	for xpub := range op.Responses {
		xpubs = append(xpubs, xpub)
	}
	sort.Strings(xpubs)
	return xpubs
}

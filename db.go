package bridge

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
	g "github.com/pandodao/generic"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

func saveOperation(txn *badger.Txn, op *Operation) error {
	e := badger.NewEntry(operationKey(op.Index), g.Must(json.Marshal(op)))
	return txn.SetEntry(e)
}

func findOperation(txn *badger.Txn, idx uint64) (*Operation, error) {
	item, err := txn.Get(operationKey(idx))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, errors.Wrapf(errors.ErrNotFound, "operation %d", idx)
		}

		return nil, err
	}

	var op Operation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &op)
	}); err != nil {
		return nil, errors.Wrapf(errors.ErrStore, "decode operation %d: %v", idx, err)
	}

	return &op, nil
}

// listOperationsFrom walks the ledger in index order starting at from.
// A limit of 0 means no limit.
func listOperationsFrom(txn *badger.Txn, from uint64, limit int) ([]*Operation, error) {
	opts := badger.DefaultIteratorOptions
	if limit > 0 {
		opts.PrefetchSize = limit
	}
	it := txn.NewIterator(opts)
	defer it.Close()

	var ops []*Operation
	for it.Seek(operationKey(from)); it.ValidForPrefix(operationPrefix); it.Next() {
		if limit > 0 && len(ops) >= limit {
			break
		}

		item := it.Item()

		var op Operation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		}); err != nil {
			idx, _ := decodeOperationKey(item.Key())
			return nil, errors.Wrapf(errors.ErrStore, "decode operation %d: %v", idx, err)
		}

		ops = append(ops, &op)
	}

	return ops, nil
}

// CheckLedger verifies the invariants a healthy ledger always holds:
// dense indices from 1, the allocation counter matching the newest
// operation, at most one pending operation, and the pending marker
// agreeing with it. Run at startup before serving requests.
func CheckLedger(db *badger.DB) error {
	txn := db.NewTransaction(false)
	defer txn.Discard()

	ops, err := listOperationsFrom(txn, 0, 0)
	if err != nil {
		return err
	}
	last, err := lastOperationIndex(txn)
	if err != nil {
		return err
	}
	markerIdx, hasMarker, err := pendingOperationIndex(txn)
	if err != nil {
		return err
	}

	if uint64(len(ops)) != last {
		return errors.Wrapf(errors.ErrStore, "ledger holds %d operations but the counter says %d", len(ops), last)
	}

	var pendingIdx uint64
	pending := 0
	for i, op := range ops {
		if op.Index != uint64(i)+1 {
			return errors.Wrapf(errors.ErrStore, "ledger has a gap before operation %d", op.Index)
		}
		if op.Status == OperationStatusPending {
			pending++
			pendingIdx = op.Index
		}
	}

	switch {
	case pending > 1:
		return errors.Wrapf(errors.ErrStore, "%d operations are pending at once", pending)
	case pending == 1 && (!hasMarker || markerIdx != pendingIdx):
		return errors.Wrapf(errors.ErrStore, "pending marker does not cover operation %d", pendingIdx)
	case pending == 0 && hasMarker:
		return errors.Wrapf(errors.ErrStore, "stale pending marker at operation %d", markerIdx)
	}

	return nil
}

func lastOperationIndex(txn *badger.Txn) (uint64, error) {
	return readUint64(txn, lastIndexKey)
}

func saveLastOperationIndex(txn *badger.Txn, idx uint64) error {
	return txn.SetEntry(badger.NewEntry(lastIndexKey, g.Must(json.Marshal(idx))))
}

// pendingOperationIndex returns the index of the single pending
// operation. The marker key is absent when no operation is pending.
func pendingOperationIndex(txn *badger.Txn) (uint64, bool, error) {
	item, err := txn.Get(pendingKey)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return 0, false, nil
		}

		return 0, false, err
	}

	var idx uint64
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &idx)
	}); err != nil {
		return 0, false, errors.Wrapf(errors.ErrStore, "decode pending marker: %v", err)
	}

	return idx, true, nil
}

func savePendingOperationIndex(txn *badger.Txn, idx uint64) error {
	return txn.SetEntry(badger.NewEntry(pendingKey, g.Must(json.Marshal(idx))))
}

func clearPendingOperationIndex(txn *badger.Txn) error {
	return txn.Delete(pendingKey)
}

// findPointer returns the last index the cosigner acknowledged, zero for
// a cosigner that has processed nothing yet.
func findPointer(txn *badger.Txn, xpub string) (uint64, error) {
	return readUint64(txn, pointerKey(xpub))
}

func savePointer(txn *badger.Txn, xpub string, idx uint64) error {
	return txn.SetEntry(badger.NewEntry(pointerKey(xpub), g.Must(json.Marshal(idx))))
}

func findAddressIndex(txn *badger.Txn, xpub string) (*AddressIndex, error) {
	item, err := txn.Get(addressIndexKey(xpub))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return &AddressIndex{}, nil
		}

		return nil, err
	}

	var index AddressIndex
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &index)
	}); err != nil {
		return nil, errors.Wrapf(errors.ErrStore, "decode address index of %s: %v", xpub, err)
	}

	return &index, nil
}

func saveAddressIndex(txn *badger.Txn, xpub string, index *AddressIndex) error {
	e := badger.NewEntry(addressIndexKey(xpub), g.Must(json.Marshal(index)))
	return txn.SetEntry(e)
}

func findStoredConfig(txn *badger.Txn) (*StoredConfig, error) {
	item, err := txn.Get(configKey)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}

		return nil, err
	}

	var sc StoredConfig
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sc)
	}); err != nil {
		return nil, errors.Wrapf(errors.ErrStore, "decode stored config: %v", err)
	}

	return &sc, nil
}

func saveStoredConfig(txn *badger.Txn, sc *StoredConfig) error {
	return txn.SetEntry(badger.NewEntry(configKey, g.Must(json.Marshal(sc))))
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return 0, nil
		}

		return 0, err
	}

	var v uint64
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	}); err != nil {
		return 0, errors.Wrapf(errors.ErrStore, "decode counter %q: %v", key, err)
	}

	return v, nil
}

// isConflict reports whether a commit lost against a concurrent
// transaction touching the same keys. Such commits are safe to retry
// after re-reading state.
func isConflict(err error) bool {
	return err == badger.ErrConflict
}

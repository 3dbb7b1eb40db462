package bridge

import (
	"bytes"

	"github.com/pandodao/mtg/mtgpack"
)

var (
	operationPrefix    = []byte("o:")
	pointerPrefix      = []byte("p:")
	addressIndexPrefix = []byte("a:")

	configKey    = []byte("m:config")
	lastIndexKey = []byte("m:lastop")
	pendingKey   = []byte("m:pending")
)

func buildIndexKey(prefix []byte, values ...any) []byte {
	enc := mtgpack.NewEncoder()
	if err := enc.EncodeValues(values...); err != nil {
		panic(err)
	}

	return append(prefix, enc.Bytes()...)
}

func decodeIndexKey(key, prefix []byte, values ...any) error {
	b := bytes.TrimPrefix(key, prefix)
	dec := mtgpack.NewDecoder(b)
	return dec.DecodeValues(values...)
}

// operationKey orders operations by index; mtgpack encodes uint64
// big-endian, so prefix iteration walks the ledger in index order.
func operationKey(idx uint64) []byte {
	return buildIndexKey(operationPrefix, idx)
}

func decodeOperationKey(key []byte) (uint64, error) {
	var idx uint64
	err := decodeIndexKey(key, operationPrefix, &idx)
	return idx, err
}

func pointerKey(xpub string) []byte {
	return append(pointerPrefix, xpub...)
}

func addressIndexKey(xpub string) []byte {
	return append(addressIndexPrefix, xpub...)
}

package chat

import (
	"github.com/Tyrowin/roomchat/internal/store"
)

// txn collects everything one envelope does: the rows to persist, how to
// undo each in-memory change, and the payloads to push. Memory is changed
// eagerly; if the batch fails to commit the undo steps run in reverse and
// the payloads are discarded.
type txn struct {
	batch *store.Batch
	undo  []func()
	out   []Outbound
}

func newTxn() *txn {
	return &txn{batch: store.NewBatch()}
}

func (t *txn) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.out = nil
}

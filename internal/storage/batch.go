package storage

// Batch groups writes that are applied together by Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by databases that can commit a Batch atomically.
type Batcher interface {
	NewBatch() Batch
}

// batchOp is one buffered write. A nil value means delete.
type batchOp struct {
	key   []byte
	value []byte
}

func newPut(key, value []byte) batchOp {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	return batchOp{key: k, value: v}
}

func newDelete(key []byte) batchOp {
	k := make([]byte, len(key))
	copy(k, key)
	return batchOp{key: k}
}

// fallbackBatch buffers writes and applies them one by one. It is used when
// the target DB has no native batch support.
type fallbackBatch struct {
	db  DB
	ops []batchOp
}

// NewBatch returns a native batch if db supports one, otherwise a
// non-atomic buffered batch.
func NewBatch(db DB) Batch {
	if b, ok := db.(Batcher); ok {
		return b.NewBatch()
	}
	return &fallbackBatch{db: db}
}

func (fb *fallbackBatch) Put(key, value []byte) error {
	fb.ops = append(fb.ops, newPut(key, value))
	return nil
}

func (fb *fallbackBatch) Delete(key []byte) error {
	fb.ops = append(fb.ops, newDelete(key))
	return nil
}

func (fb *fallbackBatch) Commit() error {
	for _, op := range fb.ops {
		var err error
		if op.value == nil {
			err = fb.db.Delete(op.key)
		} else {
			err = fb.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	fb.ops = nil
	return nil
}

package gmdb

// Label names an environment in log messages.
type Label string

// Default is the label used when none is given.
const Default Label = "default"

// TxnOp is a function that operates on a transaction.
// This is the callback type for View, Update, RunTxn and Txn.Sub.
type TxnOp func(txn *Txn) error

// View executes a read-only transaction.
// The transaction is released when fn returns.
func (e *Env) View(fn TxnOp) error {
	return e.RunTxn(TxnReadOnly, fn)
}

// Update executes a read-write transaction.
// The transaction is committed when fn returns nil,
// or aborted when fn returns an error.
func (e *Env) Update(fn TxnOp) error {
	return e.RunTxn(TxnReadWrite, fn)
}

// RunTxn runs a transaction with the given flags.
// The transaction is committed when fn returns nil,
// or aborted when fn returns an error.
func (e *Env) RunTxn(flags uint, fn TxnOp) error {
	txn, err := e.BeginTxn(nil, flags)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	_, err = txn.Commit()
	return err
}

// Multi splits the value batch returned by GetMultiple and NextMultiple.
type Multi struct {
	page   []byte
	stride int
}

// WrapMulti wraps a batch of stride-sized values.
func WrapMulti(page []byte, stride int) *Multi {
	return &Multi{page: page, stride: stride}
}

// Vals returns all values.
func (m *Multi) Vals() [][]byte {
	n := m.Len()
	if n == 0 {
		return nil
	}
	vals := make([][]byte, n)
	for i := range vals {
		vals[i] = m.page[i*m.stride : (i+1)*m.stride]
	}
	return vals
}

// Val returns value at index i.
func (m *Multi) Val(i int) []byte {
	if i < 0 || i >= m.Len() {
		return nil
	}
	return m.page[i*m.stride : (i+1)*m.stride]
}

// Len returns the number of values.
func (m *Multi) Len() int {
	if m.stride <= 0 {
		return 0
	}
	return len(m.page) / m.stride
}

// Stride returns the size of one value.
func (m *Multi) Stride() int { return m.stride }

// Page returns the raw batch.
func (m *Multi) Page() []byte { return m.page }

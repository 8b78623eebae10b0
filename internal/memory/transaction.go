package memory

// txnEntry records one allocation made within a Transaction, so it can be
// rolled back in reverse order.
type txnEntry struct {
	addr, size, align uint64
}

// Transaction groups a sequence of allocations so that a partial failure
// partway through a multi-allocation operation (e.g. the filesystem
// allocating an inode and a data block for create_file) can be undone as
// a unit. Per spec.md §4.1: "on drop without commit, it rolls back every
// recorded allocation in reverse order. Commit transfers ownership of the
// allocations to the caller."
//
// Go has no destructors, so "drop without commit" is modeled as an
// explicit Rollback call; callers are expected to `defer txn.Rollback()`
// immediately after Begin and have Commit turn that deferred call into a
// no-op.
type Transaction struct {
	m        *Manager
	entries  []txnEntry
	done     bool
}

// Begin starts a new allocation transaction against m.
func (m *Manager) Begin() *Transaction {
	return &Transaction{m: m}
}

// Alloc performs a TryAllocate and, on success, records the allocation
// for possible rollback.
func (t *Transaction) Alloc(size, align uint64) (uint64, *AllocError) {
	if t.done {
		return 0, newErr(CorruptionDetected, "transaction already committed or rolled back")
	}
	addr, err := t.m.TryAllocate(size, align)
	if err != nil {
		return 0, err
	}
	t.entries = append(t.entries, txnEntry{addr: addr, size: size, align: align})
	return addr, nil
}

// Commit transfers ownership of every allocation made through t to the
// caller; a later Rollback call becomes a no-op.
func (t *Transaction) Commit() {
	t.done = true
	t.entries = nil
}

// Rollback frees every allocation recorded by t, most recent first. It is
// a no-op if t was already committed or rolled back, so `defer
// txn.Rollback()` is always safe to pair with an earlier `defer`-free
// Commit call on the success path.
func (t *Transaction) Rollback() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		t.m.Deallocate(e.addr, e.size)
	}
	t.entries = nil
}

package engine

import (
	"math"
	"sync"
)

// Accountant is the memory ledger: a single counter of bytes held by
// regular-file buffers, checked against the global memory limit and the
// per-file size limit. Checks and ledger mutation happen under one lock
// so two concurrent writers can never jointly overshoot a limit. The
// lock is independent of all inode locks; capacity decisions never wait
// on filesystem structure and vice versa.
type Accountant struct {
	mu      sync.Mutex
	limit   int64 // global budget for file content, bytes
	maxFile int64 // per-file ceiling, bytes
	used    int64
}

// NewAccountant creates a ledger with the given global and per-file
// limits in bytes.
func NewAccountant(limit, maxFile int64) *Accountant {
	return &Accountant{limit: limit, maxFile: maxFile}
}

// Reserve admits additional bytes for a file currently fileSize bytes
// long, all or nothing. On rejection the ledger is untouched and the
// error names the limit that bound: EFBIG for the per-file ceiling,
// ENOSPC for the global budget.
func (a *Accountant) Reserve(additional, fileSize int64) error {
	if additional < 0 {
		return EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if fileSize+additional > a.maxFile {
		return EFBIG
	}
	if a.used+additional > a.limit {
		return ENOSPC
	}
	a.used += additional
	return nil
}

// AdmitWrite computes how many payload bytes of a write of want bytes
// at offset off can land in a file currently fileSize bytes long, and
// reserves the growth (including any zero-filled gap) in the same
// atomic step. Bytes overwriting existing content are free. When not a
// single byte fits, the ledger is untouched and the binding limit is
// reported.
func (a *Accountant) AdmitWrite(fileSize, off, want int64) (int64, error) {
	if off < 0 || want < 0 {
		return 0, EINVAL
	}
	if want > math.MaxInt64-off {
		// off+want would overflow int64. Such a write necessarily ends
		// past any per-file ceiling.
		return 0, EFBIG
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	end := off + want
	if end <= fileSize {
		// Entirely in place.
		return want, nil
	}

	maxEnd := fileSize + (a.limit - a.used)
	perFile := a.maxFile
	if perFile < maxEnd {
		maxEnd = perFile
	}
	if end > maxEnd {
		end = maxEnd
	}
	if end <= off {
		// Not even the zero-fill gap fits. off >= fileSize here,
		// since maxEnd is never below fileSize.
		if perFile <= fileSize+(a.limit-a.used) {
			return 0, EFBIG
		}
		return 0, ENOSPC
	}
	if end > fileSize {
		a.used += end - fileSize
	}
	return end - off, nil
}

// Release returns bytes to the ledger on truncation or reclamation.
func (a *Accountant) Release(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.used -= n
	if a.used < 0 {
		a.used = 0
	}
	a.mu.Unlock()
}

// Snapshot reports (total, used, free) for statfs.
func (a *Accountant) Snapshot() (total, used, free int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit, a.used, a.limit - a.used
}

// MaxFileSize returns the per-file ceiling.
func (a *Accountant) MaxFileSize() int64 {
	return a.maxFile
}

// Copyright 2025 memfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"math"
	"sync"
	"testing"
)

func TestAccountantReserve(t *testing.T) {
	a := NewAccountant(1000, 1000)

	if err := a.Reserve(400, 0); err != nil {
		t.Fatalf("Reserve(400): %v", err)
	}
	if err := a.Reserve(600, 400); err != nil {
		t.Fatalf("Reserve(600): %v", err)
	}
	if err := a.Reserve(1, 0); err != ENOSPC {
		t.Errorf("err = %v, want ENOSPC", err)
	}

	_, used, free := a.Snapshot()
	if used != 1000 || free != 0 {
		t.Errorf("used = %d free = %d, want 1000 and 0", used, free)
	}
}

func TestAccountantReserve_FileLimit(t *testing.T) {
	a := NewAccountant(1000, 100)

	if err := a.Reserve(101, 0); err != EFBIG {
		t.Errorf("err = %v, want EFBIG", err)
	}
	if err := a.Reserve(1, 100); err != EFBIG {
		t.Errorf("err at cap = %v, want EFBIG", err)
	}
	if err := a.Reserve(100, 0); err != nil {
		t.Errorf("Reserve(100): %v", err)
	}
}

func TestAccountantRelease(t *testing.T) {
	a := NewAccountant(100, 100)

	if err := a.Reserve(100, 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	a.Release(60)

	_, used, _ := a.Snapshot()
	if used != 40 {
		t.Errorf("used = %d, want 40", used)
	}

	// Over-release clamps at zero rather than going negative.
	a.Release(1000)
	_, used, _ = a.Snapshot()
	if used != 0 {
		t.Errorf("used after over-release = %d, want 0", used)
	}
}

func TestAdmitWrite_Full(t *testing.T) {
	a := NewAccountant(1000, 1000)

	n, err := a.AdmitWrite(0, 0, 300)
	if err != nil || n != 300 {
		t.Fatalf("AdmitWrite = (%d, %v), want (300, nil)", n, err)
	}
	_, used, _ := a.Snapshot()
	if used != 300 {
		t.Errorf("used = %d, want 300", used)
	}
}

func TestAdmitWrite_InPlace(t *testing.T) {
	a := NewAccountant(100, 100)

	if _, err := a.AdmitWrite(0, 0, 100); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Overwriting existing bytes needs no new budget.
	n, err := a.AdmitWrite(100, 20, 50)
	if err != nil || n != 50 {
		t.Errorf("AdmitWrite = (%d, %v), want (50, nil)", n, err)
	}
	_, used, _ := a.Snapshot()
	if used != 100 {
		t.Errorf("used = %d, want 100", used)
	}
}

func TestAdmitWrite_GlobalBoundary(t *testing.T) {
	limit := int64(1000)
	a := NewAccountant(limit, limit*2)

	// One byte over budget: exactly limit bytes admitted.
	n, err := a.AdmitWrite(0, 0, limit+1)
	if err != nil {
		t.Fatalf("AdmitWrite: %v", err)
	}
	if n != limit {
		t.Errorf("admitted = %d, want %d", n, limit)
	}
	_, used, _ := a.Snapshot()
	if used != limit {
		t.Errorf("used = %d, want %d", used, limit)
	}

	// Budget exhausted, write past the end: not one byte fits.
	if _, err := a.AdmitWrite(limit, limit, 1); err != ENOSPC {
		t.Errorf("err = %v, want ENOSPC", err)
	}
}

func TestAdmitWrite_FileBoundary(t *testing.T) {
	maxFile := int64(100)
	a := NewAccountant(1000, maxFile)

	n, err := a.AdmitWrite(0, 0, maxFile+1)
	if err != nil {
		t.Fatalf("AdmitWrite: %v", err)
	}
	if n != maxFile {
		t.Errorf("admitted = %d, want %d", n, maxFile)
	}

	// At the per-file cap the file limit binds, not the global one.
	if _, err := a.AdmitWrite(maxFile, maxFile, 1); err != EFBIG {
		t.Errorf("err = %v, want EFBIG", err)
	}
}

func TestAdmitWrite_SparseGap(t *testing.T) {
	a := NewAccountant(1000, 1000)

	// Writing at an offset past EOF reserves the zero-filled gap too.
	n, err := a.AdmitWrite(0, 400, 100)
	if err != nil || n != 100 {
		t.Fatalf("AdmitWrite = (%d, %v), want (100, nil)", n, err)
	}
	_, used, _ := a.Snapshot()
	if used != 500 {
		t.Errorf("used = %d, want 500", used)
	}
}

func TestAdmitWrite_OffsetOverflow(t *testing.T) {
	a := NewAccountant(1000, 1000)

	// off+want wraps past MaxInt64; the admission math must not.
	n, err := a.AdmitWrite(0, math.MaxInt64-10, 1000)
	if err != EFBIG || n != 0 {
		t.Errorf("AdmitWrite = (%d, %v), want (0, EFBIG)", n, err)
	}
	n, err = a.AdmitWrite(500, math.MaxInt64, 1)
	if err != EFBIG || n != 0 {
		t.Errorf("AdmitWrite = (%d, %v), want (0, EFBIG)", n, err)
	}

	_, used, _ := a.Snapshot()
	if used != 0 {
		t.Errorf("used = %d, want 0", used)
	}
}

func TestAccountantConcurrent(t *testing.T) {
	a := NewAccountant(10000, 10000)

	const goroutines = 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := a.Reserve(10, 0); err == nil {
					a.Release(10)
				}
			}
		}()
	}
	wg.Wait()

	_, used, _ := a.Snapshot()
	if used != 0 {
		t.Errorf("used = %d after balanced reserve/release, want 0", used)
	}
}

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package extent

import (
	"testing"

	"github.com/libyal/govmdk/filepool"
	"github.com/libyal/govmdk/internal/descriptor"
)

func threeExtentValues() []descriptor.ExtentValues {
	return []descriptor.ExtentValues{
		{Type: descriptor.ExtentTypeFlat, Size: 1000, OffsetInFile: 0},
		{Type: descriptor.ExtentTypeSparse, Size: 2000},
		{Type: descriptor.ExtentTypeZero, Size: 500},
	}
}

func TestNewTableCumulativeStarts(t *testing.T) {
	tbl, err := NewTable(threeExtentValues(), []filepool.Handle{0, 1, -1})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	wantStarts := []int64{0, 1000, 3000}
	for i, want := range wantStarts {
		ve, err := tbl.Extent(i)
		if err != nil {
			t.Fatalf("Extent(%d) error = %v", i, err)
		}
		if ve.Start != want {
			t.Errorf("Extent(%d).Start = %d, want %d", i, ve.Start, want)
		}
	}
	if got, want := tbl.MediaSize(), int64(3500); got != want {
		t.Errorf("MediaSize() = %d, want %d", got, want)
	}
}

func TestNewTableMismatchedLengths(t *testing.T) {
	if _, err := NewTable(threeExtentValues(), []filepool.Handle{0, 1}); err == nil {
		t.Fatal("NewTable() error = nil, want length-mismatch error")
	}
}

func TestNewTableEmpty(t *testing.T) {
	if _, err := NewTable(nil, nil); err == nil {
		t.Fatal("NewTable() error = nil, want empty-extents error")
	}
}

func TestExtentAtCoversEveryByte(t *testing.T) {
	tbl, err := NewTable(threeExtentValues(), []filepool.Handle{0, 1, -1})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	cases := []struct {
		offset    int64
		wantIdx   int
		wantInExt int64
	}{
		{0, 0, 0},
		{999, 0, 999},
		{1000, 1, 0},
		{2999, 1, 1999},
		{3000, 2, 0},
		{3499, 2, 499},
	}
	for _, c := range cases {
		idx, ve, offInExt, err := tbl.ExtentAt(c.offset)
		if err != nil {
			t.Fatalf("ExtentAt(%d) error = %v", c.offset, err)
		}
		if idx != c.wantIdx || offInExt != c.wantInExt {
			t.Errorf("ExtentAt(%d) = (%d, %d), want (%d, %d)", c.offset, idx, offInExt, c.wantIdx, c.wantInExt)
		}
		if ve.Kind < KindFlat || ve.Kind > KindZero {
			t.Errorf("ExtentAt(%d) returned extent with invalid Kind %v", c.offset, ve.Kind)
		}
	}

	for offset := int64(0); offset < tbl.MediaSize(); offset++ {
		_, ve, offInExt, err := tbl.ExtentAt(offset)
		if err != nil {
			t.Fatalf("ExtentAt(%d) error = %v", offset, err)
		}
		if ve.Start+offInExt != offset || offInExt >= ve.Size {
			t.Errorf("ExtentAt(%d) = extent {Start:%d Size:%d} offset %d, does not contain it", offset, ve.Start, ve.Size, offInExt)
		}
	}
}

func TestExtentAtOutOfBounds(t *testing.T) {
	tbl, err := NewTable(threeExtentValues(), []filepool.Handle{0, 1, -1})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	if _, _, _, err := tbl.ExtentAt(3500); err == nil {
		t.Fatal("ExtentAt(MediaSize) error = nil, want out-of-bounds error")
	}
	if _, _, _, err := tbl.ExtentAt(-1); err == nil {
		t.Fatal("ExtentAt(-1) error = nil, want out-of-bounds error")
	}
}

// TestSetSizeShiftsLaterStarts verifies spec.md §4.5: once a sparse
// extent's real backed size is known, every later extent's Start shifts.
func TestSetSizeShiftsLaterStarts(t *testing.T) {
	tbl, err := NewTable(threeExtentValues(), []filepool.Handle{0, 1, -1})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	if err := tbl.SetSize(1, 5000); err != nil {
		t.Fatalf("SetSize() error = %v", err)
	}

	ve1, _ := tbl.Extent(1)
	if ve1.Start != 1000 || ve1.Size != 5000 {
		t.Errorf("Extent(1) = {Start:%d Size:%d}, want {1000 5000}", ve1.Start, ve1.Size)
	}
	ve2, _ := tbl.Extent(2)
	if ve2.Start != 6000 {
		t.Errorf("Extent(2).Start = %d, want 6000", ve2.Start)
	}
	if got, want := tbl.MediaSize(), int64(6500); got != want {
		t.Errorf("MediaSize() = %d, want %d", got, want)
	}
}

func TestSetInfoRejectsNonSparseExtent(t *testing.T) {
	tbl, err := NewTable(threeExtentValues(), []filepool.Handle{0, 1, -1})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	if err := tbl.SetInfo(0, nil); err == nil {
		t.Fatal("SetInfo(flat extent) error = nil, want rejection")
	}
}

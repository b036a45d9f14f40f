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

// Package extent assembles the descriptor's ordered extent list into a
// vector of VirtualExtent records addressable by virtual byte offset
// (spec.md §4.5, C5), grounded on the cumulative-offset binary search in
// _examples/other_examples/0xAlcidius-go-vmdk/parser/context.go
// (VMDKContext.getExtentForOffset / normalizeExtents).
package extent

import (
	"fmt"
	"sort"

	"github.com/libyal/govmdk/errs"
	"github.com/libyal/govmdk/filepool"
	"github.com/libyal/govmdk/internal/descriptor"
	"github.com/libyal/govmdk/internal/sparseheader"
)

const component = "extent"

// Kind is the read-path behavior of a VirtualExtent, independent of the
// descriptor-level type token it was built from (spec.md §3).
type Kind int

// Kinds, per spec.md §3.
const (
	KindFlat Kind = iota
	KindSparse
	KindZero
)

// VirtualExtent maps a virtual byte range [Start, Start+Size) to a backing
// strategy.
type VirtualExtent struct {
	Kind Kind
	Start int64
	Size  int64

	// Flat only.
	FileHandle filepool.Handle
	FileOffset int64

	// Sparse only: FileHandle above names the extent file; Info is filled
	// in by SetInfo once the sparse header has been decoded. GrainGroups is
	// owned by the grain package, not here (spec.md §3: "a LazyArray of
	// GrainGroup records").
	Info *sparseheader.ExtentFileInfo
}

// End returns the exclusive end of the extent's virtual range.
func (e *VirtualExtent) End() int64 { return e.Start + e.Size }

// Table is the ordered, indexed collection of a disk's VirtualExtents.
type Table struct {
	extents []*VirtualExtent
}

// NewTable builds a Table from the descriptor's ordered extent list and a
// parallel slice of opened file handles (handles[i] is not used for
// ExtentTypeZero entries, which own no file; Open passes -1 there). Sparse
// extents are left with Info == nil; the caller fills it in via SetInfo once
// headers are decoded.
func NewTable(values []descriptor.ExtentValues, handles []filepool.Handle) (*Table, error) {
	if len(values) != len(handles) {
		return nil, errs.New(errs.KindMalformedDescriptor, component,
			fmt.Errorf("extent count %d does not match handle count %d", len(values), len(handles)))
	}
	if len(values) == 0 {
		return nil, errs.New(errs.KindMalformedDescriptor, component,
			fmt.Errorf("descriptor declares no extents"))
	}

	t := &Table{}
	var start int64
	for i, v := range values {
		ve := &VirtualExtent{
			Start:      start,
			Size:       int64(v.Size),
			FileHandle: handles[i],
		}
		switch v.Type {
		case descriptor.ExtentTypeZero:
			ve.Kind = KindZero
		case descriptor.ExtentTypeSparse, descriptor.ExtentTypeVMFSSparse:
			ve.Kind = KindSparse
		default:
			ve.Kind = KindFlat
			ve.FileOffset = int64(v.OffsetInFile)
		}
		t.extents = append(t.extents, ve)
		start += ve.Size
	}
	return t, nil
}

// SetSize updates the size of the extent at index (the header reader has
// determined a sparse extent's real backed size; flat extents keep their
// descriptor-declared size and never need this call). Every later extent's
// Start shifts accordingly, per spec.md §4.5.
func (t *Table) SetSize(index int, bytes int64) error {
	if index < 0 || index >= len(t.extents) {
		return errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("extent index %d out of range", index))
	}
	t.extents[index].Size = bytes
	start := t.extents[index].Start
	for i := index; i < len(t.extents); i++ {
		t.extents[i].Start = start
		start += t.extents[i].Size
	}
	return nil
}

// SetInfo attaches a decoded sparse header to the extent at index.
func (t *Table) SetInfo(index int, info *sparseheader.ExtentFileInfo) error {
	if index < 0 || index >= len(t.extents) {
		return errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("extent index %d out of range", index))
	}
	if t.extents[index].Kind != KindSparse {
		return errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("extent index %d is not sparse", index))
	}
	t.extents[index].Info = info
	return nil
}

// Len returns the number of extents.
func (t *Table) Len() int { return len(t.extents) }

// Extent returns the extent at index.
func (t *Table) Extent(index int) (*VirtualExtent, error) {
	if index < 0 || index >= len(t.extents) {
		return nil, errs.New(errs.KindOutOfBounds, component,
			fmt.Errorf("extent index %d out of range", index))
	}
	return t.extents[index], nil
}

// MediaSize is the cumulative end of the last extent.
func (t *Table) MediaSize() int64 {
	if len(t.extents) == 0 {
		return 0
	}
	last := t.extents[len(t.extents)-1]
	return last.Start + last.Size
}

// ExtentAt resolves a virtual byte offset to its containing extent,
// returning the extent's index, a pointer to it, and the offset within it.
// O(log n) binary search over cumulative start offsets (spec.md §4.5).
func (t *Table) ExtentAt(virtualOffset int64) (int, *VirtualExtent, int64, error) {
	n := sort.Search(len(t.extents), func(i int) bool {
		return t.extents[i].Start > virtualOffset
	})
	if n < 1 {
		return 0, nil, 0, errs.At(errs.KindOutOfBounds, component, virtualOffset,
			fmt.Errorf("no extent covers offset"))
	}
	idx := n - 1
	ve := t.extents[idx]
	if virtualOffset >= ve.End() {
		return 0, nil, 0, errs.At(errs.KindOutOfBounds, component, virtualOffset,
			fmt.Errorf("no extent covers offset"))
	}
	return idx, ve, virtualOffset - ve.Start, nil
}

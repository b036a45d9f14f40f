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

package grain

import (
	"encoding/binary"
	"fmt"

	"github.com/libyal/govmdk/errs"
	"github.com/libyal/govmdk/filepool"
	"github.com/libyal/govmdk/internal/sparseheader"
	"github.com/libyal/govmdk/vlog"
)

// Index is the lazily-loaded grain directory/grain-table index for one
// sparse VirtualExtent. Groups stay pinned once loaded (spec.md §3: "Group
// evictability is deliberately disabled"); only decoded grain payloads are
// evictable, via the graincache package.
type Index struct {
	pool   filepool.Pool
	handle filepool.Handle
	info   *sparseheader.ExtentFileInfo

	gdLoaded  bool
	gdEntries []int64 // byte offset of each group's grain table; 0 = sparse group

	groups map[uint32]*group
}

// NewIndex returns an Index for a sparse extent. No I/O happens until the
// first Resolve call.
func NewIndex(pool filepool.Pool, handle filepool.Handle, info *sparseheader.ExtentFileInfo) *Index {
	return &Index{
		pool:   pool,
		handle: handle,
		info:   info,
		groups: make(map[uint32]*group),
	}
}

// Resolve computes group_index = voi/(N_gt*grain_size), slot_index =
// (voi/grain_size) mod N_gt, offset_in_grain = voi mod grain_size, loads the
// owning group if needed, and returns the resolved slot (spec.md §4.6).
func (idx *Index) Resolve(virtualOffsetInExtent int64) (slot Slot, groupIndex, slotIndex uint32, offsetInGrain int64, err error) {
	g := idx.info.GrainSizeBytes
	n := uint64(idx.info.GrainTableEntries)
	if g == 0 || n == 0 {
		return Slot{}, 0, 0, 0, errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("grain size or table width is zero"))
	}

	voi := uint64(virtualOffsetInExtent)
	groupSpan := n * g
	gi := voi / groupSpan
	si := (voi / g) % n
	inner := int64(voi % g)

	grp, err := idx.loadGroup(uint32(gi))
	if err != nil {
		return Slot{}, 0, 0, 0, err
	}
	if si >= uint64(len(grp.slots)) {
		return Slot{}, 0, 0, 0, errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("slot index %d out of range for group of %d", si, len(grp.slots)))
	}
	return grp.slots[si], uint32(gi), uint32(si), inner, nil
}

func (idx *Index) loadDirectory() error {
	if idx.gdLoaded {
		return nil
	}
	n := idx.info.GrainDirectoryEntries()
	primary, err := idx.readOffsetTable(idx.info.PrimaryGDOffsetBytes, n)
	if err != nil {
		return err
	}

	entries := primary
	if idx.info.HasSecondaryGrainDirectory() {
		secondary, err := idx.readOffsetTable(idx.info.SecondaryGDOffsetBytes, n)
		if err != nil {
			return err
		}
		entries = mergeDirectories(primary, secondary)
	}

	idx.gdEntries = entries
	idx.gdLoaded = true
	return nil
}

// mergeDirectories reconciles primary and secondary grain-directory entries
// per spec.md §4.6: the non-zero entry wins when the other is zero; when
// both are non-zero and differ, the primary is kept and the disagreement is
// logged (InconsistentGrainIndex), not returned as an error.
func mergeDirectories(primary, secondary []int64) []int64 {
	out := make([]int64, len(primary))
	for i := range primary {
		switch {
		case primary[i] != 0:
			if secondary[i] != 0 && secondary[i] != primary[i] {
				vlog.Warnf("grain: primary/secondary grain directory disagree at entry %d (primary=%d secondary=%d); using primary",
					i, primary[i], secondary[i])
			}
			out[i] = primary[i]
		default:
			out[i] = secondary[i]
		}
	}
	return out
}

func (idx *Index) readOffsetTable(byteOffset uint64, count uint32) ([]int64, error) {
	buf := make([]byte, int(count)*entrySize)
	if len(buf) > 0 {
		if _, err := idx.pool.ReadAt(idx.handle, buf, int64(byteOffset)); err != nil {
			return nil, errs.At(errs.KindIO, component, int64(byteOffset), err)
		}
	}
	out := make([]int64, count)
	for i := 0; i < int(count); i++ {
		v := binary.LittleEndian.Uint32(buf[i*entrySize:])
		if v != 0 {
			out[i] = int64(v) * sparseheader.SectorSize
		}
	}
	return out, nil
}

func (idx *Index) loadGroup(groupIndex uint32) (*group, error) {
	if grp, ok := idx.groups[groupIndex]; ok {
		return grp, nil
	}
	if err := idx.loadDirectory(); err != nil {
		return nil, err
	}
	if int(groupIndex) >= len(idx.gdEntries) {
		return nil, errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("group index %d out of range for %d directory entries", groupIndex, len(idx.gdEntries)))
	}

	n := idx.info.GrainTableEntries
	tableOffset := idx.gdEntries[groupIndex]

	grp := &group{slots: make([]Slot, n)}
	if tableOffset == 0 {
		// A zero directory entry means the whole group is sparse; no grain
		// table exists on disk to read (spec.md §4.6).
		for i := range grp.slots {
			grp.slots[i] = Slot{Flags: SlotSparse}
		}
		idx.groups[groupIndex] = grp
		return grp, nil
	}

	buf := make([]byte, int(n)*entrySize)
	if _, err := idx.pool.ReadAt(idx.handle, buf, tableOffset); err != nil {
		return nil, errs.At(errs.KindIO, component, tableOffset, err)
	}

	compressed := idx.info.IsCompressed()
	for i := 0; i < int(n); i++ {
		v := binary.LittleEndian.Uint32(buf[i*entrySize:])
		switch {
		case v == 0:
			grp.slots[i] = Slot{Flags: SlotSparse}
		case compressed:
			grp.slots[i] = Slot{
				FileHandle: idx.handle,
				Offset:     int64(v) * sparseheader.SectorSize,
				Size:       -1,
				Flags:      SlotCompressed,
			}
		default:
			grp.slots[i] = Slot{
				FileHandle: idx.handle,
				Offset:     int64(v) * sparseheader.SectorSize,
				Size:       int64(idx.info.GrainSizeBytes),
				Flags:      SlotStandard,
			}
		}
	}

	idx.groups[groupIndex] = grp
	return grp, nil
}

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

package govmdk

import (
	"fmt"
	"io"

	"github.com/libyal/govmdk/errs"
	"github.com/libyal/govmdk/internal/extent"
	"github.com/libyal/govmdk/internal/grain"
	"github.com/libyal/govmdk/internal/graincache"
	"github.com/libyal/govmdk/internal/sparseheader"
)

// ReadAt reads up to len(dst) bytes starting at the virtual offset offset,
// without moving the stream cursor. It returns the number of bytes placed
// into dst; a short count (including zero) at end-of-disk or after
// SignalAbort is not an error (spec.md §4.8).
func (h *Handle) ReadAt(dst []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errs.At(errs.KindOutOfBounds, component, offset, fmt.Errorf("negative offset"))
	}
	if offset >= h.mediaSize || len(dst) == 0 {
		return 0, nil
	}

	n := int64(len(dst))
	if rem := h.mediaSize - offset; n > rem {
		n = rem
	}

	var written int64
	for n > 0 {
		if h.Aborted() {
			break
		}

		idx, ve, offInExt, err := h.extents.ExtentAt(offset)
		if err != nil {
			return int(written), err
		}

		var k int64
		switch ve.Kind {
		case extent.KindFlat:
			k = min(n, ve.Size-offInExt)
			if _, err := h.pool.ReadAt(ve.FileHandle, dst[:k], ve.FileOffset+offInExt); err != nil {
				return int(written), err
			}

		case extent.KindZero:
			k = min(n, ve.Size-offInExt)
			for i := int64(0); i < k; i++ {
				dst[i] = 0
			}

		case extent.KindSparse:
			k, err = h.readSparse(dst, idx, ve, offInExt, offset, n)
			if err != nil {
				return int(written), err
			}

		default:
			return int(written), errs.New(errs.KindInconsistentGrainIndex, component,
				fmt.Errorf("unrecognized extent kind %v", ve.Kind))
		}

		dst = dst[k:]
		offset += k
		n -= k
		written += k
	}

	return int(written), nil
}

// readSparse resolves and serves one sparse-extent chunk, at most one
// grain's worth of bytes (spec.md §4.8).
func (h *Handle) readSparse(dst []byte, extIdx int, ve *extent.VirtualExtent, offInExt, absOffset, remaining int64) (int64, error) {
	if ve.Info.NoIndex {
		// No grain directory at all: the extent reads as Zero.
		k := min(remaining, ve.Size-offInExt)
		for i := int64(0); i < k; i++ {
			dst[i] = 0
		}
		return k, nil
	}

	gi := h.grainIndexes[extIdx]
	if gi == nil {
		return 0, errs.At(errs.KindInconsistentGrainIndex, component, absOffset,
			fmt.Errorf("extent %d has no grain index", extIdx))
	}

	slot, groupIndex, slotIndex, offsetInGrain, err := gi.Resolve(offInExt)
	if err != nil {
		return 0, err
	}

	grainSize := int64(ve.Info.GrainSizeBytes)
	k := min(remaining, grainSize-offsetInGrain)

	if slot.Flags == grain.SlotSparse {
		if h.parent != nil {
			if _, err := h.parent.ReadAt(dst[:k], absOffset); err != nil {
				return 0, err
			}
			return k, nil
		}
		for i := int64(0); i < k; i++ {
			dst[i] = 0
		}
		return k, nil
	}

	expectedLBA := uint64(offInExt-offsetInGrain) / sparseheader.SectorSize
	grainStart := offInExt - offsetInGrain
	isFinalGrain := grainStart+grainSize >= int64(ve.Info.MaximumDataSizeBytes)
	allowShortFinalGrain := ve.Info.FooterAligned && isFinalGrain
	key := graincache.Key{ExtentIndex: extIdx, GroupIndex: groupIndex, SlotIndex: slotIndex}
	payload, err := graincache.Load(h.pool, h.grainCache, key, slot, grainSize, expectedLBA, ve.Info.HasDataMarkers(), allowShortFinalGrain)
	if err != nil {
		return 0, err
	}
	copy(dst[:k], payload[offsetInGrain:offsetInGrain+k])
	return k, nil
}

// Read reads at the current cursor and advances it by the number of bytes
// actually read.
func (h *Handle) Read(dst []byte) (int, error) {
	n, err := h.ReadAt(dst, h.currentOffset)
	h.currentOffset += int64(n)
	return n, err
}

// Seek repositions the stream cursor. SeekEnd plus a positive delta is
// permitted (the resulting offset simply reads as past end-of-disk).
func (h *Handle) Seek(whence int, delta int64) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.currentOffset
	case io.SeekEnd:
		base = h.mediaSize
	default:
		return 0, errs.New(errs.KindOutOfBounds, component, fmt.Errorf("unrecognized whence %d", whence))
	}
	newOffset := base + delta
	if newOffset < 0 {
		return 0, errs.At(errs.KindOutOfBounds, component, newOffset, fmt.Errorf("seek before start of disk"))
	}
	h.currentOffset = newOffset
	return newOffset, nil
}

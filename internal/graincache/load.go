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

package graincache

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libyal/govmdk/errs"
	"github.com/libyal/govmdk/filepool"
	"github.com/libyal/govmdk/internal/grain"
)

// markerHeaderSize is the 12-byte grain/marker header: an 8-byte LBA
// followed by a 4-byte compressed_size (spec.md §6).
const markerHeaderSize = 12

// markerType enumerates the stream-marker kinds recognized when
// HAS_DATA_MARKERS is set (spec.md §4.7).
type markerType uint32

const (
	markerEndOfStream    markerType = 0
	markerGrainTable     markerType = 1
	markerGrainDirectory markerType = 2
	markerFooter         markerType = 3
)

func (t markerType) String() string {
	switch t {
	case markerEndOfStream:
		return "EndOfStream"
	case markerGrainTable:
		return "GrainTable"
	case markerGrainDirectory:
		return "GrainDirectory"
	case markerFooter:
		return "Footer"
	default:
		return "Unknown"
	}
}

// Load returns the decompressed grain payload for slot, using cache to
// avoid redundant file-pool reads/decompression. expectedLBA is the sector
// number the slot is expected to carry (its virtual offset within the
// extent divided by 512); it is only checked for compressed slots, where
// the per-grain header states its own LBA (spec.md §4.7). allowShortFinalGrain
// permits a decompressed payload shorter than grainSize to be zero-padded
// instead of rejected as CorruptGrain; callers set it only for the last
// grain of a stream-optimized, footer-aligned extent (spec.md §4.8
// "Tie-breaks and edge cases").
//
// A SlotSparse slot is never cached or read; callers handle zero-fill or
// parent recursion themselves and should check slot.Flags before calling
// Load.
func Load(pool filepool.Pool, cache *Cache, key Key, slot grain.Slot, grainSize int64, expectedLBA uint64, hasDataMarkers, allowShortFinalGrain bool) ([]byte, error) {
	if slot.Flags == grain.SlotSparse {
		return nil, errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("Load called on a sparse slot"))
	}
	if payload, ok := cache.Get(key); ok {
		return payload, nil
	}

	var payload []byte
	var err error
	switch slot.Flags {
	case grain.SlotStandard:
		payload, err = loadStandard(pool, slot, grainSize)
	case grain.SlotCompressed:
		payload, err = loadCompressed(pool, slot, grainSize, expectedLBA, hasDataMarkers, allowShortFinalGrain)
	default:
		return nil, errs.New(errs.KindInconsistentGrainIndex, component,
			fmt.Errorf("unrecognized slot flags %v", slot.Flags))
	}
	if err != nil {
		return nil, err
	}

	cache.Put(key, payload)
	return payload, nil
}

func loadStandard(pool filepool.Pool, slot grain.Slot, grainSize int64) ([]byte, error) {
	buf := make([]byte, grainSize)
	if _, err := pool.ReadAt(slot.FileHandle, buf, slot.Offset); err != nil {
		return nil, errs.At(errs.KindIO, component, slot.Offset, err)
	}
	return buf, nil
}

func loadCompressed(pool filepool.Pool, slot grain.Slot, grainSize int64, expectedLBA uint64, hasDataMarkers, allowShortFinalGrain bool) ([]byte, error) {
	header := make([]byte, markerHeaderSize)
	if _, err := pool.ReadAt(slot.FileHandle, header, slot.Offset); err != nil {
		return nil, errs.At(errs.KindIO, component, slot.Offset, err)
	}
	lba := binary.LittleEndian.Uint64(header[0:8])
	compressedSize := binary.LittleEndian.Uint32(header[8:12])

	if compressedSize == 0 {
		if hasDataMarkers {
			var typeBuf [4]byte
			_, _ = pool.ReadAt(slot.FileHandle, typeBuf[:], slot.Offset+markerHeaderSize)
			mt := markerType(binary.LittleEndian.Uint32(typeBuf[:]))
			return nil, errs.At(errs.KindMalformedGrainStream, component, slot.Offset,
				fmt.Errorf("encountered %s stream marker where a data grain was expected", mt))
		}
		return nil, errs.At(errs.KindMalformedGrainStream, component, slot.Offset,
			fmt.Errorf("compressed grain header declares zero compressed_size"))
	}
	if lba != expectedLBA {
		return nil, errs.At(errs.KindCorruptGrain, component, slot.Offset,
			fmt.Errorf("grain header LBA %d does not match expected LBA %d", lba, expectedLBA))
	}

	payloadOffset := slot.Offset + markerHeaderSize
	compressed := make([]byte, compressedSize)
	if _, err := pool.ReadAt(slot.FileHandle, compressed, payloadOffset); err != nil {
		return nil, errs.At(errs.KindIO, component, payloadOffset, err)
	}

	decoded, err := inflate(compressed, grainSize, allowShortFinalGrain)
	if err != nil {
		return nil, errs.At(errs.KindCorruptGrain, component, slot.Offset, err)
	}
	return decoded, nil
}

// inflate decompresses a raw RFC 1951 Deflate stream into exactly size
// bytes; a long result is always rejected. A short result is rejected too,
// unless allowShortFinalGrain is set, in which case the tail is left
// zero-padded (spec.md §4.8 "Tie-breaks and edge cases": the last grain of
// a stream-optimized, footer-aligned disk may legitimately decompress to
// fewer than grain_size bytes).
func inflate(compressed []byte, size int64, allowShortFinalGrain bool) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	out := make([]byte, size)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if int64(n) != size {
		if allowShortFinalGrain {
			// out[n:] is already zero-valued (make allocates zeroed memory).
			return out, nil
		}
		return nil, fmt.Errorf("inflate: got %d bytes, want %d", n, size)
	}
	// Confirm no more data remains beyond size (an over-long stream).
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return nil, fmt.Errorf("inflate: decompressed output exceeds grain size %d", size)
	}
	return out, nil
}

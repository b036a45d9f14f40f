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

// Package grain builds and resolves the two-level grain-directory/
// grain-table index of a sparse extent (spec.md §4.6, C6), grounded on the
// lazy L1/L2-table loading pattern in
// _examples/google-osv-scalibr/extractor/filesystem/embeddedfs/qcow2/format.go
// (readL1Table/readL2Table) adapted to the VMDK/COWD on-disk layout
// documented in original_source/libvmdk/libvmdk_grain_table.c.
package grain

import "github.com/libyal/govmdk/filepool"

const component = "grain"

// entrySize is the on-disk width of both a grain-directory entry and a
// grain-table entry: a little-endian sector offset (spec.md §4.6).
const entrySize = 4

// SlotFlags classifies a resolved GrainSlot.
type SlotFlags int

// Slot flags, per spec.md §3.
const (
	SlotSparse SlotFlags = iota
	SlotStandard
	SlotCompressed
)

// Slot is the in-memory resolved form of one grain-table entry.
type Slot struct {
	FileHandle filepool.Handle
	Offset     int64
	// Size is the grain's decompressed size; -1 for SlotCompressed, whose
	// size is only known after reading its per-grain header (spec.md §4.7).
	Size  int64
	Flags SlotFlags
}

// group is a loaded grain table: grain_table_entries resolved Slots.
type group struct {
	slots []Slot
}

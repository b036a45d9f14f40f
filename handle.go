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

// Package govmdk is a read-only access library for VMware Virtual Disk
// (VMDK) images: descriptor parsing, COWD/VMDK sparse-header decoding, the
// grain-directory/grain-table index, and a unified read engine that serves
// (offset, length) requests across flat/sparse/zero extents and
// differencing-disk parent chains.
//
// The core never opens a file itself unless Open is used; OpenWithFilePool
// accepts a caller-supplied filepool.Pool for callers that manage their own
// file handles (spec.md §4.9).
package govmdk

import (
	"fmt"
	"sync/atomic"

	"github.com/libyal/govmdk/errs"
	"github.com/libyal/govmdk/filepool"
	"github.com/libyal/govmdk/internal/descriptor"
	"github.com/libyal/govmdk/internal/extent"
	"github.com/libyal/govmdk/internal/grain"
	"github.com/libyal/govmdk/internal/graincache"
)

const component = "govmdk"

// DiskType mirrors internal/descriptor's enum at the public surface.
type DiskType = descriptor.DiskType

// Disk types.
const (
	DiskType2GbFlat              = descriptor.DiskType2GbFlat
	DiskType2GbSparse            = descriptor.DiskType2GbSparse
	DiskTypeMonoFlat             = descriptor.DiskTypeMonoFlat
	DiskTypeMonoSparse           = descriptor.DiskTypeMonoSparse
	DiskTypeStreamOptimized      = descriptor.DiskTypeStreamOptimized
	DiskTypeVMFSFlat             = descriptor.DiskTypeVMFSFlat
	DiskTypeVMFSFlatPreAllocated = descriptor.DiskTypeVMFSFlatPreAllocated
	DiskTypeVMFSFlatZeroed       = descriptor.DiskTypeVMFSFlatZeroed
	DiskTypeVMFSSparse           = descriptor.DiskTypeVMFSSparse
	DiskTypeVMFSSparseThin       = descriptor.DiskTypeVMFSSparseThin
	DiskTypeCustom               = descriptor.DiskTypeCustom
)

// ExtentValues mirrors internal/descriptor's extent record at the public
// surface, returned by Handle.ExtentDescriptor.
type ExtentValues = descriptor.ExtentValues

// OpenOptions configures Open/OpenWithFilePool.
type OpenOptions struct {
	// FilePool, if non-nil, is used by Open instead of an automatically
	// constructed filepool.OSPool. Open opens the descriptor and its sibling
	// extent files in it only when it is a *filepool.OSPool; any other Pool
	// must already hold the first file as handle 0, and Open fails for any
	// further extent that needs a file. OpenWithFilePool ignores this field
	// and uses the pool passed to it.
	FilePool filepool.Pool
	// GrainCacheCapacity overrides graincache.DefaultCapacity; values below
	// graincache.MinCapacity are raised to it.
	GrainCacheCapacity int
}

func (o *OpenOptions) cacheCapacity() int {
	if o == nil || o.GrainCacheCapacity == 0 {
		return graincache.DefaultCapacity
	}
	return o.GrainCacheCapacity
}

// Handle is an opened VMDK/COWD disk image, ready for positional or
// stream-style reads.
type Handle struct {
	descriptorInfo *descriptor.DescriptorInfo
	extents        *extent.Table
	grainIndexes   []*grain.Index // parallel to extents; nil entries are non-sparse
	grainCache     *graincache.Cache

	pool     filepool.Pool
	ownsPool bool

	mediaSize     int64
	currentOffset int64
	parent        *Handle
	aborted       atomic.Bool
}

// MediaSize returns the disk's total addressable size in bytes.
func (h *Handle) MediaSize() int64 { return h.mediaSize }

// DiskType returns the descriptor's declared disk type.
func (h *Handle) DiskType() DiskType { return h.descriptorInfo.DiskType }

// ContentIdentifier returns the descriptor's CID.
func (h *Handle) ContentIdentifier() uint32 { return h.descriptorInfo.ContentIdentifier }

// ParentContentIdentifier returns the descriptor's parentCID, and whether
// one is present at all (absent means this is a base disk).
func (h *Handle) ParentContentIdentifier() (uint32, bool) {
	if h.descriptorInfo.ParentContentIdentifier == nil {
		return 0, false
	}
	return *h.descriptorInfo.ParentContentIdentifier, true
}

// ParentFilename returns the UTF-8 decoding of parentFileNameHint, empty for
// a base disk.
func (h *Handle) ParentFilename() (string, error) {
	return h.descriptorInfo.ParentFilename.UTF8()
}

// ParentFilenameUTF16 returns the UTF-16LE encoding of parentFileNameHint,
// for callers that need the legacy-Windows wire representation.
func (h *Handle) ParentFilenameUTF16() ([]byte, error) {
	return h.descriptorInfo.ParentFilename.UTF16()
}

// NumberOfExtents returns the number of virtual extents composing the disk.
func (h *Handle) NumberOfExtents() int { return h.extents.Len() }

// ExtentDescriptor returns the descriptor's ExtentValues for extent i, as
// originally declared (not the post-header-decode real size).
func (h *Handle) ExtentDescriptor(i int) (ExtentValues, error) {
	if i < 0 || i >= len(h.descriptorInfo.Extents) {
		return ExtentValues{}, errs.New(errs.KindOutOfBounds, component,
			fmt.Errorf("extent index %d out of range", i))
	}
	return h.descriptorInfo.Extents[i], nil
}

// Extents returns a read-only copy of every extent's descriptor-declared
// ExtentValues, in descriptor order. It is a bulk convenience over repeated
// ExtentDescriptor calls, present in the original's public libvmdk_handle.c
// surface (libvmdk_handle_get_number_of_extents and per-index getters).
func (h *Handle) Extents() []ExtentValues {
	out := make([]ExtentValues, len(h.descriptorInfo.Extents))
	copy(out, h.descriptorInfo.Extents)
	return out
}

// DiskDatabase exposes the "# The Disk Data Base" keys verbatim, including
// isNativeSnapshot and ddb.* keys the read path never acts on (spec.md §9).
func (h *Handle) DiskDatabase() map[string]string {
	out := make(map[string]string, h.descriptorInfo.DiskDatabase.Len())
	for _, k := range h.descriptorInfo.DiskDatabase.Keys() {
		v, _ := h.descriptorInfo.DiskDatabase.Get(k)
		out[k] = v
	}
	return out
}

// Offset returns the current stream-style read cursor.
func (h *Handle) Offset() int64 { return h.currentOffset }

// SignalAbort requests that in-flight and future reads unwind early,
// returning short counts without error (spec.md §5).
func (h *Handle) SignalAbort() { h.aborted.Store(true) }

// Aborted reports whether SignalAbort has been called.
func (h *Handle) Aborted() bool { return h.aborted.Load() }

// SetParent wires parent as the base disk this (differencing) Handle reads
// sparse grains through. The parent's lifetime must outlive the child; the
// parent chain is never auto-closed.
func (h *Handle) SetParent(parent *Handle) error {
	cid, hasCID := h.ParentContentIdentifier()
	if hasCID && cid != descriptor.AnyParent && cid != parent.ContentIdentifier() {
		return errs.New(errs.KindInconsistentParent, component,
			fmt.Errorf("descriptor parentCID %08x does not match parent's CID %08x", cid, parent.ContentIdentifier()))
	}
	h.parent = parent
	return nil
}

// Close closes the file pool when Open constructed it itself; a pool supplied
// by the caller (OpenOptions.FilePool or OpenWithFilePool) is left open. The
// parent chain, if any, is left untouched; callers own their parents.
func (h *Handle) Close() error {
	if !h.ownsPool {
		return nil
	}
	return h.pool.Close()
}

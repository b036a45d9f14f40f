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

// Package descriptor parses the textual VMDK descriptor (spec.md §4.3, C3)
// into a typed DescriptorInfo, grounded on the line-oriented state machine
// in _examples/other_examples/0xAlcidius-go-vmdk/parser/context.go
// (GetVMDKContext's "Descriptor"/"Extents"/"DiskDataBase" states) and the
// grammar given in spec.md §4.3, which in turn documents
// original_source/libvmdk/libvmdk_descriptor_file.c.
package descriptor

import "github.com/libyal/govmdk/enctext"

// DiskType enumerates the disk-type tokens spec.md §3 lists.
type DiskType int

// Disk types, per spec.md §3.
const (
	DiskTypeCustom DiskType = iota
	DiskType2GbFlat
	DiskType2GbSparse
	DiskTypeMonoFlat
	DiskTypeMonoSparse
	DiskTypeStreamOptimized
	DiskTypeVMFSFlat
	DiskTypeVMFSFlatPreAllocated
	DiskTypeVMFSFlatZeroed
	DiskTypeVMFSSparse
	DiskTypeVMFSSparseThin
)

// createType tokens recognized in the descriptor's "createType=" line, from
// original_source/libvmdk/libvmdk_descriptor_file.c.
var createTypeTokens = map[string]DiskType{
	"twoGbMaxExtentFlat":    DiskType2GbFlat,
	"twoGbMaxExtentSparse":  DiskType2GbSparse,
	"monolithicFlat":        DiskTypeMonoFlat,
	"monolithicSparse":      DiskTypeMonoSparse,
	"streamOptimized":       DiskTypeStreamOptimized,
	"vmfs":                  DiskTypeVMFSFlat,
	"vmfsPreallocated":      DiskTypeVMFSFlatPreAllocated,
	"vmfsEagerZeroedThick":  DiskTypeVMFSFlatZeroed,
	"vmfsThin":              DiskTypeVMFSFlatZeroed,
	"vmfsSparse":            DiskTypeVMFSSparse,
	"vmfsSparseThin":        DiskTypeVMFSSparseThin,
	"vmfsRaw":               DiskTypeVMFSFlat,
}

// Access enumerates an extent's access token.
type Access int

// Access tokens, per spec.md §3/§4.3.
const (
	AccessNone Access = iota
	AccessRead
	AccessReadWrite
)

var accessTokens = map[string]Access{
	"NOACCESS": AccessNone,
	"RDONLY":   AccessRead,
	"RW":       AccessReadWrite,
}

// ExtentType enumerates an extent's type token.
type ExtentType int

// Extent types, per spec.md §3.
const (
	ExtentTypeFlat ExtentType = iota
	ExtentTypeVMFSFlat
	ExtentTypeSparse
	ExtentTypeVMFSSparse
	ExtentTypeZero
	ExtentTypeVMFSRaw
	ExtentTypeVMFSRdm
)

var extentTypeTokens = map[string]ExtentType{
	"FLAT":       ExtentTypeFlat,
	"VMFS":       ExtentTypeVMFSFlat,
	"SPARSE":     ExtentTypeSparse,
	"VMFSSPARSE": ExtentTypeVMFSSparse,
	"ZERO":       ExtentTypeZero,
	"VMFSRAW":    ExtentTypeVMFSRaw,
	"VMFSRDM":    ExtentTypeVMFSRdm,
}

// sparseFamily reports whether t belongs to the sparse extent-type family;
// spec.md §3/§4.5 forbids mixing flat-family and sparse-family extents
// within one disk.
func (t ExtentType) sparseFamily() bool {
	return t == ExtentTypeSparse || t == ExtentTypeVMFSSparse
}

// ExtentValues is one line of the "# Extent description" section.
type ExtentValues struct {
	Access Access
	Type   ExtentType
	// Filename is empty iff Type == ExtentTypeZero.
	Filename enctext.Text
	// Size is in bytes (the descriptor itself records 512-byte sectors).
	Size uint64
	// OffsetInFile is in bytes; 0 for sparse extents.
	OffsetInFile uint64
}

// DescriptorInfo is the parsed result of a VMDK textual descriptor.
type DescriptorInfo struct {
	ContentIdentifier uint32
	// ParentContentIdentifier is nil for a base disk, including one whose
	// descriptor declares parentCID=ffffffff (AnyParent).
	ParentContentIdentifier *uint32
	DiskType                DiskType
	ParentFilename          enctext.Text
	// MediaSize is in bytes; equals the sum of Extents[*].Size.
	MediaSize uint64
	Version   uint32
	Extents   []ExtentValues
	// DiskDatabase preserves every "# The Disk Data Base" key verbatim,
	// including isNativeSnapshot and ddb.* keys the read path never acts
	// on (spec.md §9).
	DiskDatabase *ValueTable
}

// IsBaseDisk reports whether this descriptor has no parent linkage.
func (d *DescriptorInfo) IsBaseDisk() bool {
	return d.ParentContentIdentifier == nil
}

// AnyParent is the parentCID value 0xFFFFFFFF. Parse records no parent
// linkage for it, so it never appears in ParentContentIdentifier.
const AnyParent uint32 = 0xFFFFFFFF

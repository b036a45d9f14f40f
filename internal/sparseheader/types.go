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

// Package sparseheader decodes COWD and VMDK sparse extent-file headers
// (spec.md §4.4, C4), grounded on the sparseExtentHeader layout in
// _examples/google-osv-scalibr/extractor/filesystem/embeddedfs/vmdk/vmdk.go
// and the on-disk field order documented in
// original_source/libvmdk/libvmdk_extent_file.c and
// original_source/libvmdk/cowd_sparse_file_header.h.
package sparseheader

const component = "sparseheader"

// SectorSize is the on-disk unit every sector-valued header field is
// expressed in before conversion to bytes.
const SectorSize = 512

// FileKind distinguishes the two sparse extent-file families.
type FileKind int

// File kinds, per spec.md §3.
const (
	FileKindCowdSparse FileKind = iota
	FileKindVmdkSparse
)

// CompressionMethod is the grain compression algorithm an extent declares.
type CompressionMethod int

// Compression methods, per spec.md §3; anything else is rejected at decode.
const (
	CompressionNone CompressionMethod = iota
	CompressionDeflate
)

// VMDK sparse-header flag bits (spec.md §3), matching the bit layout
// original_source/libvmdk documents.
const (
	FlagNewLineDetectionValid    uint32 = 1 << 0
	FlagUseSecondaryGrainDir     uint32 = 1 << 1
	FlagHasGrainCompression      uint32 = 1 << 16
	FlagHasDataMarkers           uint32 = 1 << 17
)

// A header whose PrimaryGDOffset and SecondaryGDOffset are both zero carries
// no grain index at all. Decode does not report this as an error; it sets
// ExtentFileInfo.NoIndex, which callers check instead, since this is a valid,
// non-error terminal state.

// ExtentFileInfo is the decoded form of a sparse extent-file header,
// independent of whether it came from a COWD or VMDK file.
type ExtentFileInfo struct {
	FileKind                FileKind
	FormatVersion            uint32
	Flags                    uint32
	MaximumDataSizeBytes     uint64
	GrainSizeBytes           uint64
	DescriptorOffsetBytes    uint64
	DescriptorSizeBytes      uint64
	GrainTableEntries        uint32
	PrimaryGDOffsetBytes     uint64
	SecondaryGDOffsetBytes   uint64
	CompressionMethod        CompressionMethod
	IsDirty                  bool
	// NoIndex is true when both grain-directory offsets are zero; the read
	// engine then treats the whole extent as Zero (spec.md §4.4).
	NoIndex bool
	// SentinelMismatch is true when the four newline-detection bytes don't
	// match and NEW_LINE_DETECTION_VALID was unset, so decode succeeded but
	// the open path should log a warning (spec.md §9).
	SentinelMismatch bool
	// FooterAligned is true when this header was recovered from the
	// streamOptimized "GD at end" footer convention (GDOffset == GDAtEnd in
	// the leading header). The read engine combines this with whether a
	// grain is the extent's last to tell the grain cache whether a short
	// decompressed final grain is a legitimate zero-padded tail rather than
	// CorruptGrain (spec.md §4.8 "Tie-breaks and edge cases").
	FooterAligned bool
}

// GrainDirectoryEntries derives N_gd = ceil(maximum_data_size / (N_gt * grain_size)),
// per spec.md §3.
func (i *ExtentFileInfo) GrainDirectoryEntries() uint32 {
	denom := uint64(i.GrainTableEntries) * i.GrainSizeBytes
	if denom == 0 {
		return 0
	}
	n := i.MaximumDataSizeBytes / denom
	if i.MaximumDataSizeBytes%denom != 0 {
		n++
	}
	return uint32(n)
}

// HasSecondaryGrainDirectory reports whether the secondary (redundant) grain
// directory should be consulted as a cross-check (spec.md §4.6).
func (i *ExtentFileInfo) HasSecondaryGrainDirectory() bool {
	return i.FileKind == FileKindVmdkSparse &&
		i.Flags&FlagUseSecondaryGrainDir != 0 &&
		i.SecondaryGDOffsetBytes != 0
}

// IsCompressed reports whether grains in this extent are stream-optimized
// (Deflate-compressed, with a per-grain header).
func (i *ExtentFileInfo) IsCompressed() bool {
	return i.FileKind == FileKindVmdkSparse && i.Flags&FlagHasGrainCompression != 0
}

// HasDataMarkers reports whether the stream interleaves non-data markers
// among grains (spec.md §4.7).
func (i *ExtentFileInfo) HasDataMarkers() bool {
	return i.FileKind == FileKindVmdkSparse && i.Flags&FlagHasDataMarkers != 0
}

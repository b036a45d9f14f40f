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

package sparseheader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/libyal/govmdk/errs"
)

// vmdkMagic is "KDMV" read as a little-endian uint32, matching
// vmdk.SparseMagic in the teacher extractor.
const vmdkMagic uint32 = 0x564d444b

// gdAtEnd is the GDOffset sentinel meaning "the real grain directory is in a
// footer near EOF" (streamOptimized convention), matching vmdk.GDAtEnd in
// _examples/google-osv-scalibr/extractor/filesystem/embeddedfs/vmdk/vmdk.go.
const gdAtEnd uint64 = 0xFFFFFFFFFFFFFFFF

// vmdkSparseHeader is the on-disk VMDK sparse extent header, byte-for-byte
// the layout in
// _examples/google-osv-scalibr/extractor/filesystem/embeddedfs/vmdk/vmdk.go's
// sparseExtentHeader. Reserved padding is kept as a blank field so
// binary.Read consumes exactly 512 bytes.
type vmdkSparseHeader struct {
	MagicNumber        uint32
	Version            uint32
	Flags              uint32
	Capacity           uint64
	GrainSize          uint64
	DescriptorOffset   uint64
	DescriptorSize     uint64
	NumGTEsPerGT       uint32
	RGDOffset          uint64
	GDOffset           uint64
	OverHead           uint64
	UncleanShutdown    byte
	SingleEndLineChar  byte
	NonEndLineChar     byte
	DoubleEndLineChar1 byte
	DoubleEndLineChar2 byte
	CompressAlgorithm  uint16
	_                  [433]byte
}

// decodeVMDK parses a 512-byte VMDK sparse header already confirmed to begin
// with the "KDMV" magic.
func decodeVMDK(raw []byte, fetchFooter FooterFetcher) (*ExtentFileInfo, error) {
	if len(raw) < 512 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("header truncated: got %d bytes, need 512", len(raw)))
	}

	var h vmdkSparseHeader
	if err := binary.Read(bytes.NewReader(raw[:512]), binary.LittleEndian, &h); err != nil {
		return nil, errs.New(errs.KindMalformedSparseHeader, component, err)
	}

	footerAligned := h.GDOffset == gdAtEnd
	if footerAligned {
		footerHeader, err := readFooterIfGDAtEnd(fetchFooter)
		if err != nil {
			return nil, err
		}
		h = *footerHeader
	}

	sentinelsOK := h.SingleEndLineChar == '\n' && h.NonEndLineChar == ' ' &&
		h.DoubleEndLineChar1 == '\r' && h.DoubleEndLineChar2 == '\n'
	if !sentinelsOK && h.Flags&FlagNewLineDetectionValid != 0 {
		// spec.md §9: fatal only when the flag is set; otherwise the open
		// path merely logs a warning (ExtentFileInfo.SentinelMismatch).
		return nil, errs.At(errs.KindMalformedSparseHeader, component, 75,
			fmt.Errorf("newline sentinel mismatch"))
	}

	if h.GrainSize == 0 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("grain size is zero"))
	}
	if h.GrainSize <= 8 || h.GrainSize&(h.GrainSize-1) != 0 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("grain size %d sectors is not a power of two greater than 8", h.GrainSize))
	}
	if h.NumGTEsPerGT == 0 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("grain table entries is zero"))
	}
	if h.Capacity%h.GrainSize != 0 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("maximum data size %d sectors is not a multiple of grain size %d", h.Capacity, h.GrainSize))
	}

	method, err := compressionMethod(h.CompressAlgorithm)
	if err != nil {
		return nil, err
	}

	info := &ExtentFileInfo{
		FileKind:               FileKindVmdkSparse,
		FormatVersion:          h.Version,
		Flags:                  h.Flags,
		MaximumDataSizeBytes:   h.Capacity * SectorSize,
		GrainSizeBytes:         h.GrainSize * SectorSize,
		DescriptorOffsetBytes:  h.DescriptorOffset * SectorSize,
		DescriptorSizeBytes:    h.DescriptorSize * SectorSize,
		GrainTableEntries:      h.NumGTEsPerGT,
		PrimaryGDOffsetBytes:   h.GDOffset * SectorSize,
		SecondaryGDOffsetBytes: h.RGDOffset * SectorSize,
		CompressionMethod:      method,
		IsDirty:                h.UncleanShutdown != 0,
	}
	info.NoIndex = info.PrimaryGDOffsetBytes == 0 && info.SecondaryGDOffsetBytes == 0
	info.SentinelMismatch = !sentinelsOK
	info.FooterAligned = footerAligned
	return info, nil
}

// readFooterIfGDAtEnd locates and decodes the footer copy of a VMDK sparse
// header near EOF, ported from readFooterIfGDAtEnd in
// _examples/google-osv-scalibr/extractor/filesystem/embeddedfs/vmdk/vmdk.go:
// the footer header block lives 512 bytes into the file's last 1536 bytes
// (end-of-stream marker, footer header, footer metadata marker).
func readFooterIfGDAtEnd(fetchFooter FooterFetcher) (*vmdkSparseHeader, error) {
	if fetchFooter == nil {
		return nil, errs.New(errs.KindUnsupportedFormat, component,
			fmt.Errorf("grain directory is at end of file (GDAtEnd) but no footer reader was supplied"))
	}
	tail, err := fetchFooter(FooterTailBytes)
	if err != nil {
		return nil, errs.New(errs.KindIO, component, fmt.Errorf("read footer: %w", err))
	}
	if len(tail) < FooterTailBytes {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("file too small to contain footer/end-of-stream marker"))
	}
	footerBlock := tail[512:1024]
	if binary.LittleEndian.Uint32(footerBlock[:4]) != vmdkMagic {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("footer magic mismatch: 0x%x", binary.LittleEndian.Uint32(footerBlock[:4])))
	}
	var foot vmdkSparseHeader
	if err := binary.Read(bytes.NewReader(footerBlock), binary.LittleEndian, &foot); err != nil {
		return nil, errs.New(errs.KindMalformedSparseHeader, component, fmt.Errorf("parse footer header: %w", err))
	}
	if foot.GDOffset == gdAtEnd {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("footer header itself declares GDAtEnd"))
	}
	return &foot, nil
}

func compressionMethod(v uint16) (CompressionMethod, error) {
	switch v {
	case 0:
		return CompressionNone, nil
	case 1:
		return CompressionDeflate, nil
	default:
		return 0, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("unsupported compression method %d", v))
	}
}

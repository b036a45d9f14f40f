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

// cowdMagic is "COWD" read as a little-endian uint32 (on disk the bytes are
// 0x43 0x4F 0x57 0x44; spec.md §4.4 treats this as a literal first-four-bytes
// match rather than reasoning about the field's declared byte order).
const cowdMagic uint32 = 0x44574f43

// cowdGrainTableEntries is fixed for every COWD extent, per spec.md §3.
const cowdGrainTableEntries = 4096

// cowdHeader covers the leading fields of the legacy COWD sparse header
// (original_source/libvmdk/cowd_sparse_file_header.h); the trailing
// name/description/parent fields are not needed by the read path, which
// takes parent linkage from the descriptor text instead.
type cowdHeader struct {
	MagicNumber   uint32
	Version       uint32
	Flags         uint32
	NumSectors    uint32
	GrainSize     uint32
	GDOffset      uint32
	NumGDEntries  uint32
	FreeSector    uint32
	_             [4]uint32 // cylinders/heads/sectors/reserved geometry fields
}

func decodeCOWD(raw []byte) (*ExtentFileInfo, error) {
	const headerLen = 48
	if len(raw) < headerLen {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("header truncated: got %d bytes, need %d", len(raw), headerLen))
	}

	var h cowdHeader
	if err := binary.Read(bytes.NewReader(raw[:headerLen]), binary.LittleEndian, &h); err != nil {
		return nil, errs.New(errs.KindMalformedSparseHeader, component, err)
	}

	if h.GrainSize == 0 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("grain size is zero"))
	}

	info := &ExtentFileInfo{
		FileKind:             FileKindCowdSparse,
		FormatVersion:        h.Version,
		Flags:                h.Flags,
		MaximumDataSizeBytes: uint64(h.NumSectors) * SectorSize,
		GrainSizeBytes:       uint64(h.GrainSize) * SectorSize,
		GrainTableEntries:    cowdGrainTableEntries,
		PrimaryGDOffsetBytes: uint64(h.GDOffset) * SectorSize,
		CompressionMethod:    CompressionNone,
	}
	if info.MaximumDataSizeBytes%info.GrainSizeBytes != 0 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("maximum data size not a multiple of grain size"))
	}
	info.NoIndex = info.PrimaryGDOffsetBytes == 0
	return info, nil
}

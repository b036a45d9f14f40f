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
	"encoding/binary"
	"fmt"

	"github.com/libyal/govmdk/errs"
	"github.com/libyal/govmdk/filepool"
	"github.com/libyal/govmdk/internal/descriptor"
	"github.com/libyal/govmdk/internal/extent"
	"github.com/libyal/govmdk/internal/grain"
	"github.com/libyal/govmdk/internal/graincache"
	"github.com/libyal/govmdk/internal/sparseheader"
	"github.com/libyal/govmdk/vlog"
)

const vmdkSparseMagic uint32 = 0x564d444b

// Open opens the VMDK/COWD disk rooted at path. If the first file is a
// free-standing text descriptor, sibling extent files are opened relative
// to path's directory; if the first file is itself a sparse extent file
// carrying an embedded descriptor, that same file doubles as extent 0
// (spec.md §4.3).
func Open(path string, opts *OpenOptions) (h *Handle, err error) {
	var pool filepool.Pool
	ownsPool := false
	if opts != nil && opts.FilePool != nil {
		pool = opts.FilePool
	} else {
		osPool := filepool.NewOSPool()
		pool = osPool
		ownsPool = true
	}
	if ownsPool {
		// Any failure below leaves no file handles open behind our back
		// (spec.md §6's "no file handles ... remain" hygiene, exercised by
		// the S6 corrupt-header scenario).
		defer func() {
			if err != nil {
				pool.Close()
			}
		}()
	}

	osPool, isOSPool := pool.(*filepool.OSPool)
	var h0 filepool.Handle
	if isOSPool {
		h0, err = osPool.Open(path)
	} else {
		// A caller-supplied pool is expected to have already opened the
		// descriptor/first-extent file as handle 0 (spec.md §4.9: "a
		// pre-built file pool in the same order as the extent list").
		h0 = 0
	}
	if err != nil {
		return nil, errs.New(errs.KindIO, component, err)
	}

	size0, err := pool.Size(h0)
	if err != nil {
		return nil, errs.New(errs.KindIO, component, err)
	}
	peekLen := size0
	if peekLen > sparseheader.MaxHeaderBytes {
		peekLen = sparseheader.MaxHeaderBytes
	}
	buf := make([]byte, peekLen)
	if _, err := pool.ReadAt(h0, buf, 0); err != nil {
		return nil, errs.New(errs.KindIO, component, err)
	}

	descText, embeddedInfo, err := resolveDescriptorSource(buf, pool, h0)
	if err != nil {
		return nil, err
	}

	info, err := descriptor.Parse(descText)
	if err != nil {
		return nil, err
	}

	handles := make([]filepool.Handle, len(info.Extents))
	for i, ev := range info.Extents {
		switch {
		case ev.Type == descriptor.ExtentTypeZero:
			handles[i] = -1
		case embeddedInfo != nil && i == 0:
			handles[i] = h0
		default:
			name, err := ev.Filename.UTF8()
			if err != nil {
				return nil, errs.AtLine(errs.KindMalformedDescriptor, component, i+1, err)
			}
			if !isOSPool {
				return nil, errs.New(errs.KindIO, component,
					fmt.Errorf("extent %d (%s) requires a pre-opened handle when a caller-supplied file pool is used; use OpenWithFilePool", i, name))
			}
			eh, err := osPool.OpenSibling(path, name)
			if err != nil {
				return nil, errs.New(errs.KindIO, component, err)
			}
			handles[i] = eh
		}
	}

	return build(info, pool, handles, ownsPool, embeddedInfo, opts)
}

// OpenWithFilePool parses descriptorText and assembles a Handle using a
// pool whose extent files are already open, in the same order as
// descriptorText's extent list (spec.md §4.9).
func OpenWithFilePool(descriptorText []byte, pool filepool.Pool, handles []filepool.Handle, opts *OpenOptions) (*Handle, error) {
	info, err := descriptor.Parse(descriptorText)
	if err != nil {
		return nil, err
	}
	return build(info, pool, handles, false, nil, opts)
}

// resolveDescriptorSource implements the priority order of spec.md §4.3:
// an embedded descriptor inside a KDMV-signed sparse file, else the raw
// bytes treated as a free-standing text descriptor.
func resolveDescriptorSource(buf []byte, pool filepool.Pool, h filepool.Handle) (descText []byte, embeddedInfo *sparseheader.ExtentFileInfo, err error) {
	if len(buf) >= 4 && binary.LittleEndian.Uint32(buf[:4]) == vmdkSparseMagic {
		info, err := sparseheader.Decode(buf, footerFetcher(pool, h))
		if err != nil {
			return nil, nil, err
		}
		if info.DescriptorSizeBytes > 0 {
			off := int64(info.DescriptorOffsetBytes)
			size := int64(info.DescriptorSizeBytes)
			if off+size > int64(len(buf)) {
				// The embedded descriptor extends past our header peek;
				// the caller already has the whole file mapped via buf
				// only when size0 <= MaxHeaderBytes. In practice
				// descriptor text is small and fits; if it doesn't, this
				// is a malformed file.
				return nil, nil, errs.At(errs.KindMalformedSparseHeader, component, off,
					fmt.Errorf("embedded descriptor extends past the read header"))
			}
			return buf[off : off+size], info, nil
		}
		return buf, nil, nil
	}
	if len(buf) > 0 && buf[0] == 'K' {
		return nil, nil, errs.New(errs.KindUnsupportedFormat, component,
			fmt.Errorf("leading byte 'K' but signature does not match KDMV"))
	}
	return buf, nil, nil
}

// footerFetcher builds a sparseheader.FooterFetcher over one pool handle,
// used only for the GDAtEnd streamOptimized footer convention (spec.md
// §4.4 supplement).
func footerFetcher(pool filepool.Pool, h filepool.Handle) sparseheader.FooterFetcher {
	return func(n int64) ([]byte, error) {
		size, err := pool.Size(h)
		if err != nil {
			return nil, err
		}
		if size < n {
			return nil, fmt.Errorf("file is %d bytes, need at least %d for footer", size, n)
		}
		buf := make([]byte, n)
		if _, err := pool.ReadAt(h, buf, size-n); err != nil {
			return nil, err
		}
		return buf, nil
	}
}

// build assembles a Handle from an already-parsed descriptor, an open file
// pool, and per-extent handles. embeddedInfo, if non-nil, is the already
// decoded header for extent 0 (the embedded-descriptor case), sparing a
// redundant re-read.
func build(info *descriptor.DescriptorInfo, pool filepool.Pool, handles []filepool.Handle, ownsPool bool, embeddedInfo *sparseheader.ExtentFileInfo, opts *OpenOptions) (*Handle, error) {
	table, err := extent.NewTable(info.Extents, handles)
	if err != nil {
		return nil, err
	}

	grainIndexes := make([]*grain.Index, len(info.Extents))
	for i, ev := range info.Extents {
		if ev.Type != descriptor.ExtentTypeSparse && ev.Type != descriptor.ExtentTypeVMFSSparse {
			continue
		}

		var hdr *sparseheader.ExtentFileInfo
		if embeddedInfo != nil && i == 0 {
			hdr = embeddedInfo
		} else {
			size, err := pool.Size(handles[i])
			if err != nil {
				return nil, errs.New(errs.KindIO, component, err)
			}
			peekLen := size
			if peekLen > sparseheader.MaxHeaderBytes {
				peekLen = sparseheader.MaxHeaderBytes
			}
			buf := make([]byte, peekLen)
			if _, err := pool.ReadAt(handles[i], buf, 0); err != nil {
				return nil, errs.New(errs.KindIO, component, err)
			}
			hdr, err = sparseheader.Decode(buf, footerFetcher(pool, handles[i]))
			if err != nil {
				return nil, err
			}
		}

		if hdr.SentinelMismatch {
			vlog.Warnf("govmdk: extent %d: newline sentinel mismatch (NEW_LINE_DETECTION_VALID unset, treating as warning)", i)
		}

		if err := table.SetInfo(i, hdr); err != nil {
			return nil, err
		}
		if err := table.SetSize(i, int64(hdr.MaximumDataSizeBytes)); err != nil {
			return nil, err
		}
		grainIndexes[i] = grain.NewIndex(pool, handles[i], hdr)
	}

	cache, err := graincache.NewCache(opts.cacheCapacity())
	if err != nil {
		return nil, err
	}

	return &Handle{
		descriptorInfo: info,
		extents:        table,
		grainIndexes:   grainIndexes,
		grainCache:     cache,
		pool:           pool,
		ownsPool:       ownsPool,
		mediaSize:      table.MediaSize(),
	}, nil
}

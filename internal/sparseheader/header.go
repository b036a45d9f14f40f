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
	"encoding/binary"
	"fmt"

	"github.com/libyal/govmdk/errs"
)

// MaxHeaderBytes is the largest prefix Decode ever reads from an extent
// file, per spec.md §4.4 ("reads the first ≤ 2048 bytes").
const MaxHeaderBytes = 2048

// FooterTailBytes is how many trailing bytes of an extent file FooterFetcher
// must be able to return to satisfy a "GD at end" VMDK footer read (spec.md
// §4.4 supplement; original_source/libvmdk/libvmdk_io_handle.c reads a
// 1536-byte block ending at EOF: end-of-stream marker, footer header, footer
// metadata marker).
const FooterTailBytes = 1536

// FooterFetcher returns the last n bytes of an extent file, used only when a
// VMDK sparse header declares grainDirectoryOffset == GDAtEnd (the
// streamOptimized convention where the real grain directory lives in a
// footer near EOF rather than at the file's head). Decode passes n ==
// FooterTailBytes.
type FooterFetcher func(n int64) ([]byte, error)

// Decode dispatches on raw's first four bytes and parses either a COWD or
// VMDK sparse extent header. raw must hold at least the leading bytes of the
// file (callers typically pass up to MaxHeaderBytes). fetchFooter may be nil;
// it is only invoked for a VMDK header whose grain directory is GDAtEnd, and
// Decode fails with KindUnsupportedFormat if that case is hit without one.
func Decode(raw []byte, fetchFooter FooterFetcher) (*ExtentFileInfo, error) {
	if len(raw) < 4 {
		return nil, errs.New(errs.KindMalformedSparseHeader, component,
			fmt.Errorf("file too short to carry a signature"))
	}
	magic := binary.LittleEndian.Uint32(raw[:4])
	switch magic {
	case cowdMagic:
		return decodeCOWD(raw)
	case vmdkMagic:
		return decodeVMDK(raw, fetchFooter)
	default:
		if raw[0] == 'K' {
			return nil, errs.New(errs.KindUnsupportedFormat, component,
				fmt.Errorf("leading byte 'K' but signature does not match KDMV"))
		}
		return nil, errs.New(errs.KindUnsupportedFormat, component,
			fmt.Errorf("unrecognized sparse extent signature % x", raw[:4]))
	}
}

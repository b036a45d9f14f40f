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

import "github.com/libyal/govmdk/errs"

// Kind and Error are re-exported from errs so callers never need to import
// the internal errs package directly; errs exists only so internal/*
// subpackages can construct typed errors without importing this package.
type (
	Kind  = errs.Kind
	Error = errs.Error
)

// Error kinds, per spec.md §6.
const (
	KindIO                     = errs.KindIO
	KindUnsupportedFormat      = errs.KindUnsupportedFormat
	KindMalformedDescriptor    = errs.KindMalformedDescriptor
	KindMalformedSparseHeader  = errs.KindMalformedSparseHeader
	KindInconsistentGrainIndex = errs.KindInconsistentGrainIndex
	KindCorruptGrain           = errs.KindCorruptGrain
	KindMalformedGrainStream   = errs.KindMalformedGrainStream
	KindMissingParent          = errs.KindMissingParent
	KindInconsistentParent     = errs.KindInconsistentParent
	KindOutOfBounds            = errs.KindOutOfBounds
	KindWriteNotSupported      = errs.KindWriteNotSupported
	KindAborted                = errs.KindAborted
)

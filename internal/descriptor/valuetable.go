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

package descriptor

// ValueTable is an order-preserving string map, used for the "# The Disk
// Data Base" section (spec.md §9: "a proper map<String,String> for the
// header and disk-database sections"). Order is preserved only for
// reproducibility of iteration, not because it carries meaning there (unlike
// the extents list, which is a semantically ordered vector kept as a plain
// slice on DescriptorInfo).
type ValueTable struct {
	keys   []string
	values map[string]string
}

// NewValueTable returns an empty table.
func NewValueTable() *ValueTable {
	return &ValueTable{values: make(map[string]string)}
}

// Set stores key=value, appending key to the iteration order on first use.
func (t *ValueTable) Set(key, value string) {
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = value
}

// Get returns the value for key and whether it was present.
func (t *ValueTable) Get(key string) (string, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Keys returns the keys in first-insertion order.
func (t *ValueTable) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Len reports the number of entries.
func (t *ValueTable) Len() int { return len(t.keys) }

// Equal reports whether t and other hold the same key/value pairs,
// independent of insertion order (spec.md §8 property 6: descriptor
// round-trip parsing must yield equal DescriptorInfos).
func (t *ValueTable) Equal(other *ValueTable) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.keys) != len(other.keys) {
		return false
	}
	for k, v := range t.values {
		ov, ok := other.values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package hostarch

// AccessType is the kind of a memory access that may fault. Two-level
// paging has no no-execute bit, so Execute only affects the reported fault
// cause.
type AccessType struct {
	Read    bool
	Write   bool
	Execute bool
}

// Common access types.
var (
	Read  = AccessType{Read: true}
	Write = AccessType{Write: true}
)

// AccessTypeOf returns Write if write is set and Read otherwise.
func AccessTypeOf(write bool) AccessType {
	if write {
		return Write
	}
	return Read
}

// String returns the access in the rwx form used by /proc/[pid]/maps.
func (a AccessType) String() string {
	bits := []byte("---")
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits)
}

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

package linux

// Protections for mmap(2).
const (
	PROT_NONE  = 0
	PROT_READ  = 1 << 0
	PROT_WRITE = 1 << 1
	PROT_EXEC  = 1 << 2
)

// Flags for mmap(2).
const (
	MAP_SHARED    = 1 << 0
	MAP_PRIVATE   = 1 << 1
	MAP_FIXED     = 1 << 4
	MAP_ANONYMOUS = 1 << 5
)

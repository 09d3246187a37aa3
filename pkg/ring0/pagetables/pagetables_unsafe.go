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

package pagetables

import (
	"unsafe"

	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// Entries are read and written in host byte order. Supported hosts are
// little-endian, which matches the layout of i386 paging structures.

// tableOf returns the entries stored in frame f.
func (c *Cache) tableOf(f pgalloc.Frame) *PTEs {
	return (*PTEs)(unsafe.Pointer(&c.mf.Bytes(f)[0]))
}

// directoryOf returns the directory stored in frame f.
func (c *Cache) directoryOf(f pgalloc.Frame) *PDEs {
	return (*PDEs)(unsafe.Pointer(&c.mf.Bytes(f)[0]))
}

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
	"fmt"

	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// Iterator walks the table entries covering a virtual range, allocating
// tables as the walk reaches them. An Iterator is used once.
type Iterator struct {
	p     *PageTables
	flags MapFlags

	// pfn is the virtual page number of the next entry and end is one past
	// the last.
	pfn uint64
	end uint64

	// table holds the entry for pfn.
	table pgalloc.Frame

	err error
}

// Iterate returns an Iterator over every page overlapping
// [start, start+length). The table of the first page is resolved before
// Iterate returns; flags are merged into each directory entry the walk
// passes through.
func (p *PageTables) Iterate(start hostarch.Addr, length uint64, flags MapFlags) (*Iterator, error) {
	if uint64(start)+length > hostarch.AddressSpaceSize {
		return nil, fmt.Errorf("range %v+%#x wraps the address space: %w", start, length, linuxerr.EINVAL)
	}
	it := &Iterator{
		p:     p,
		flags: flags,
		pfn:   uint64(start) >> hostarch.PageShift,
		end:   (uint64(start) + length + hostarch.PageMask) >> hostarch.PageShift,
	}
	if it.pfn < it.end {
		if err := it.resolve(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (it *Iterator) resolve() error {
	t, err := it.p.resolve(int(it.pfn/EntriesPerTable), it.flags)
	if err != nil {
		return fmt.Errorf("allocating page table for %v: %w", hostarch.Addr(it.pfn<<hostarch.PageShift), err)
	}
	it.table = t
	return nil
}

// Next returns the next entry and the virtual address it maps. ok is false
// when the range is exhausted or a table allocation failed; Err
// distinguishes the two.
func (it *Iterator) Next() (e Entry, addr hostarch.Addr, ok bool) {
	if it.err != nil || it.pfn >= it.end {
		return Entry{}, 0, false
	}
	e = Entry{Table: it.table, Index: int(it.pfn % EntriesPerTable)}
	addr = hostarch.Addr(it.pfn << hostarch.PageShift)
	it.pfn++
	if it.pfn%EntriesPerTable == 0 && it.pfn != it.end {
		it.err = it.resolve()
	}
	return e, addr, true
}

// Remaining returns the number of entries not yet returned.
func (it *Iterator) Remaining() uint64 {
	return it.end - it.pfn
}

// Err returns the error that ended the walk, if any.
func (it *Iterator) Err() error {
	return it.err
}

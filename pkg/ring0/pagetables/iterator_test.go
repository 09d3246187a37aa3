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
	"testing"

	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

func TestIteratorCoverage(t *testing.T) {
	for _, test := range []struct {
		name       string
		start      hostarch.Addr
		size       uint64
		wantPages  uint64
		wantTables int
	}{
		{
			name:       "one aligned page",
			start:      0x400000,
			size:       hostarch.PageSize,
			wantPages:  1,
			wantTables: 1,
		},
		{
			name:       "within one page",
			start:      0x400001,
			size:       10,
			wantPages:  1,
			wantTables: 1,
		},
		{
			name:       "straddles two pages",
			start:      0x400fff,
			size:       2,
			wantPages:  2,
			wantTables: 1,
		},
		{
			name:       "ends on table boundary",
			start:      0x7ff000,
			size:       hostarch.PageSize,
			wantPages:  1,
			wantTables: 1,
		},
		{
			name:       "crosses table boundary",
			start:      0x7ff000,
			size:       2 * hostarch.PageSize,
			wantPages:  2,
			wantTables: 2,
		},
		{
			name:       "four tables",
			start:      0x3ff800,
			size:       2*EntriesPerTable*hostarch.PageSize + 0x1000,
			wantPages:  2*EntriesPerTable + 2,
			wantTables: 4,
		},
		{
			name:  "empty",
			start: 0x400000,
		},
		{
			name:       "top of address space",
			start:      0xfffff000,
			size:       hostarch.PageSize,
			wantPages:  1,
			wantTables: 1,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t)
			u := env.newUser(t)
			tables := env.c.NumTables()
			it, err := u.Iterate(test.start, test.size, Present|RW|User)
			if err != nil {
				t.Fatalf("Iterate failed: %v", err)
			}
			if got := it.Remaining(); got != test.wantPages {
				t.Errorf("Remaining() = %d, want %d", got, test.wantPages)
			}
			var n uint64
			next := test.start.RoundDown()
			for e, addr, ok := it.Next(); ok; e, addr, ok = it.Next() {
				if addr != next {
					t.Fatalf("entry %d at %v, want %v", n, addr, next)
				}
				if want := tableIndex(addr); e.Index != want {
					t.Fatalf("entry %d index %d, want %d", n, e.Index, want)
				}
				if d := u.PDE(addr); d.Table() != e.Table {
					t.Fatalf("entry %d in table %v, directory references %v", n, e.Table, d.Table())
				}
				next += hostarch.PageSize
				n++
			}
			if err := it.Err(); err != nil {
				t.Fatalf("Err() = %v", err)
			}
			if n != test.wantPages {
				t.Errorf("got %d entries, want %d", n, test.wantPages)
			}
			if got := env.c.NumTables() - tables; got != test.wantTables {
				t.Errorf("allocated %d tables, want %d", got, test.wantTables)
			}
		})
	}
}

func TestIteratorDirectoryFlags(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(t)
	if _, err := u.Iterate(0x400000, hostarch.PageSize, User); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	d := u.PDE(0x400000)
	if !d.Present() || !d.Writeable() || !d.User() || d.Global() {
		t.Errorf("new directory entry = %#x, want present, rw and user", d)
	}
	if d&pdeAvail == 0 || d&pdeAccessed != 0 {
		t.Errorf("new directory entry = %#x, want available set and accessed clear", d)
	}
}

func TestIteratorRejectsWrap(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.kernel.Iterate(0xfffff000, 2*hostarch.PageSize, Present); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Iterate past 4 GiB = %v, want EINVAL", err)
	}
}

func TestIteratorOutOfMemory(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(t)

	// Exhaust low memory so no table can be allocated.
	for {
		if _, err := env.mf.Allocate(pgalloc.Kernel, 0); err != nil {
			break
		}
	}
	if _, err := u.Iterate(0x400000, hostarch.PageSize, Present); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Iterate with no free frames = %v, want ENOMEM", err)
	}
	if err := u.MapRange(0x400000, 0, hostarch.PageSize, Present|RW|User); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("MapRange with no free frames = %v, want ENOMEM", err)
	}
}

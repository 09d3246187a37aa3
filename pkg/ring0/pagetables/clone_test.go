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

	"github.com/google/go-cmp/cmp"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

const (
	lazyAddr    hostarch.Addr = 0x1000000
	presentAddr hostarch.Addr = 0x1001000
	emptyAddr   hostarch.Addr = 0x1002000
	forkFlags                 = Present | User
)

// forkSetup returns a parent with a lazy COW page, a present page and an
// empty slot, and a child cloned from it.
func forkSetup(t *testing.T, env *testEnv) (parent, child *PageTables, frame pgalloc.Frame) {
	t.Helper()
	parent = env.newUser(t)
	if err := parent.MapRange(lazyAddr, 0, hostarch.PageSize, RW|User|COW); err != nil {
		t.Fatalf("MapRange failed: %v", err)
	}
	frame = env.mapUserPage(t, parent, presentAddr, Present|RW|User)
	child = env.newUser(t)
	env.tlb.flushed = nil
	if err := parent.CloneRange(child, lazyAddr, lazyAddr, 3*hostarch.PageSize, forkFlags); err != nil {
		t.Fatalf("CloneRange failed: %v", err)
	}
	return parent, child, frame
}

func TestCloneRange(t *testing.T) {
	env := newTestEnv(t)
	parent, child, frame := forkSetup(t, env)

	lazy, _ := child.Lookup(lazyAddr)
	if lazy.Kind != KindAlias || lazy.PTE.Present() {
		t.Errorf("COW entry cloned as %v %v, want hardware-absent alias", lazy.Kind, lazy.PTE)
	}
	want, _ := parent.Lookup(lazyAddr)
	if got, ok := env.c.Target(lazy.Entry); !ok || got != want.Entry {
		t.Errorf("Target = %v, %t, want %v", got, ok, want.Entry)
	}
	if got := lazy.PTE.aliasTarget(); got != want.Entry {
		t.Errorf("alias raw bits decode to %v, want %v", got, want.Entry)
	}

	present, _ := child.Lookup(presentAddr)
	if present.Kind != KindPresent || present.PTE.Frame() != frame || present.PTE.Writeable() {
		t.Errorf("present entry cloned as %v %v, want read-only %v", present.Kind, present.PTE, frame)
	}
	if got := env.mf.Refs(frame); got != 2 {
		t.Errorf("Refs(%v) = %d after clone, want 2", frame, got)
	}

	empty, _ := child.Lookup(emptyAddr)
	if empty.Kind != KindAbsent || empty.PTE != 0 {
		t.Errorf("empty entry cloned as %v %v, want zero", empty.Kind, empty.PTE)
	}

	wantFlushed := []hostarch.Addr{lazyAddr, presentAddr, emptyAddr}
	if diff := cmp.Diff(wantFlushed, env.tlb.flushed); diff != "" {
		t.Errorf("flushed addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestCloneRangeSharedPropagates(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newUser(t)
	frame := env.mapUserPage(t, parent, presentAddr, Present|RW|User)
	parent.ShareRange(presentAddr, hostarch.PageSize)

	src, _ := parent.Lookup(presentAddr)
	if src.Kind != KindShared || src.PTE.Writeable() || !env.c.SharedWritable(src.Entry) {
		t.Fatalf("ShareRange left %v %v, want write-protected shared entry", src.Kind, src.PTE)
	}

	child := env.newUser(t)
	if err := parent.CloneRange(child, presentAddr, presentAddr, hostarch.PageSize, forkFlags); err != nil {
		t.Fatalf("CloneRange failed: %v", err)
	}
	dst, _ := child.Lookup(presentAddr)
	if dst.Kind != KindShared || dst.PTE.Frame() != frame || dst.PTE.Writeable() {
		t.Errorf("shared entry cloned as %v %v, want write-protected shared %v", dst.Kind, dst.PTE, frame)
	}
	if !env.c.SharedWritable(dst.Entry) {
		t.Errorf("clone lost the writable marker")
	}
}

func TestCloneRangeTransitive(t *testing.T) {
	env := newTestEnv(t)
	parent, child, _ := forkSetup(t, env)
	grandchild := env.newUser(t)
	if err := child.CloneRange(grandchild, lazyAddr, lazyAddr, hostarch.PageSize, forkFlags); err != nil {
		t.Fatalf("CloneRange failed: %v", err)
	}
	orig, _ := parent.Lookup(lazyAddr)
	gc, _ := grandchild.Lookup(lazyAddr)
	if got, ok := env.c.Target(gc.Entry); gc.Kind != KindAlias || !ok || got != orig.Entry {
		t.Errorf("grandchild entry %v targets %v, want alias of %v", gc.Kind, got, orig.Entry)
	}
}

func TestAliasPinsSourceTable(t *testing.T) {
	env := newTestEnv(t)
	before := env.mf.Usage()
	parent, child, frame := forkSetup(t, env)
	orig, _ := parent.Lookup(lazyAddr)

	parent.Release()
	if _, ok := env.c.tables[orig.Entry.Table]; !ok {
		t.Fatalf("source table freed while aliased")
	}
	// The pinned table keeps its entries, and their frames, until the last
	// alias goes.
	if got := env.mf.Refs(frame); got != 2 {
		t.Errorf("Refs(%v) = %d after parent release, want 2", frame, got)
	}
	lazy, _ := child.Lookup(lazyAddr)
	target, ok := env.c.Target(lazy.Entry)
	if !ok || env.c.Kind(target) != KindAbsent || !env.c.Load(target).COW() {
		t.Errorf("alias target after release = %v (%v), want the lazy source entry", env.c.Load(target), env.c.Kind(target))
	}
	if _, ok := env.c.AddressOf(target); ok {
		t.Errorf("detached table still reports an address")
	}

	if err := child.UnmapRange(lazyAddr, 3*hostarch.PageSize); err != nil {
		t.Fatalf("UnmapRange failed: %v", err)
	}
	if _, ok := env.c.tables[orig.Entry.Table]; ok {
		t.Errorf("source table survived its last alias")
	}
	if got := env.mf.Refs(frame); got != 0 {
		t.Errorf("Refs(%v) = %d after the source table was freed, want 0", frame, got)
	}
	child.Release()
	if diff := cmp.Diff(before, env.mf.Usage()); diff != "" {
		t.Errorf("Usage after releasing everything mismatch (-want +got):\n%s", diff)
	}
}

func TestShareAndUnshare(t *testing.T) {
	env := newTestEnv(t)
	parent, child, frame := forkSetup(t, env)
	orig, _ := parent.Lookup(presentAddr)
	lazy, _ := child.Lookup(lazyAddr)

	// Share the parent's present page into the child's alias slot.
	env.c.Share(orig.Entry, lazy.Entry, env.c.AliasFlags(lazy.Entry))
	got, _ := child.Lookup(lazyAddr)
	if got.Kind != KindShared || got.PTE.Frame() != frame || !got.PTE.Present() || got.PTE.Writeable() {
		t.Errorf("shared entry = %v %v, want read-only shared %v", got.Kind, got.PTE, frame)
	}
	if !env.c.SharedWritable(got.Entry) {
		t.Errorf("shared entry %v lost the writability of its alias", got.PTE)
	}
	if refs := env.mf.Refs(frame); refs != 3 {
		t.Errorf("Refs(%v) = %d, want 3", frame, refs)
	}
	if o, _ := parent.Lookup(presentAddr); o.Kind != KindShared || o.PTE.Writeable() {
		t.Errorf("original entry = %v %v, want write-protected shared", o.Kind, o.PTE)
	}
	if _, ok := env.c.tables[orig.Entry.Table]; !ok {
		t.Fatalf("source table freed")
	}

	env.c.Unshare(got.Entry, Present|RW|User)
	got, _ = child.Lookup(lazyAddr)
	if got.Kind != KindPresent || !got.PTE.Writeable() {
		t.Errorf("unshared entry = %v %v, want writable present", got.Kind, got.PTE)
	}
}

func TestCloneRangeLeavesSourceUntouched(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newUser(t)
	child := env.newUser(t)
	const addr = 0x3000000
	tables := env.c.NumTables()

	if err := parent.CloneRange(child, addr, addr, hostarch.PageSize, forkFlags); err != nil {
		t.Fatalf("CloneRange failed: %v", err)
	}
	if d := parent.PDE(addr); d != 0 {
		t.Errorf("source directory entry = %#x after clone, want 0", d)
	}
	if got := env.c.NumTables(); got != tables+1 {
		t.Errorf("NumTables = %d, want %d (destination table only)", got, tables+1)
	}
	if err := parent.CloneRange(child, 0xfffff000, addr, 2*hostarch.PageSize, forkFlags); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("CloneRange of a wrapping source = %v, want EINVAL", err)
	}
}

func TestAliasFlags(t *testing.T) {
	for _, test := range []struct {
		name   string
		source MapFlags
		want   MapFlags
	}{
		{name: "writable source", source: RW | User | COW, want: forkFlags | RW},
		{name: "read-only source", source: User | COW, want: forkFlags},
		{name: "supervisor source", source: COW, want: forkFlags},
	} {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t)
			parent := env.newUser(t)
			if err := parent.MapRange(lazyAddr, 0, hostarch.PageSize, test.source); err != nil {
				t.Fatalf("MapRange failed: %v", err)
			}
			child := env.newUser(t)
			if err := parent.CloneRange(child, lazyAddr, lazyAddr, hostarch.PageSize, forkFlags); err != nil {
				t.Fatalf("CloneRange failed: %v", err)
			}
			alias, _ := child.Lookup(lazyAddr)
			if got := env.c.AliasFlags(alias.Entry); got != test.want {
				t.Errorf("AliasFlags = %v, want %v", got, test.want)
			}

			// The flags stay with the alias when the source goes away.
			parent.Release()
			if got := env.c.AliasFlags(alias.Entry); got != test.want {
				t.Errorf("AliasFlags after the source was released = %v, want %v", got, test.want)
			}

			// A grandchild inherits them through the chain.
			grandchild := env.newUser(t)
			if err := child.CloneRange(grandchild, lazyAddr, lazyAddr, hostarch.PageSize, forkFlags); err != nil {
				t.Fatalf("CloneRange failed: %v", err)
			}
			g, _ := grandchild.Lookup(lazyAddr)
			if got := env.c.AliasFlags(g.Entry); got != test.want {
				t.Errorf("grandchild AliasFlags = %v, want %v", got, test.want)
			}

			env.c.Clear(alias.Entry)
			if got := env.c.AliasFlags(alias.Entry); got != 0 {
				t.Errorf("AliasFlags of a cleared entry = %v, want none", got)
			}
		})
	}
}

func TestAliasRange(t *testing.T) {
	env := newTestEnv(t)
	_, child, frame := forkSetup(t, env)
	window := env.newUser(t)
	const windowFlags = Present | RW | Global

	if err := child.AliasRange(window, lazyAddr, emptyAddr+hostarch.PageSize, 3*hostarch.PageSize, windowFlags); err != nil {
		t.Fatalf("AliasRange failed: %v", err)
	}
	for i, test := range []struct {
		name string
		kind Kind
	}{
		{name: "alias source", kind: KindAlias},
		{name: "present source", kind: KindAlias},
		{name: "empty source", kind: KindAbsent},
	} {
		src, _ := child.Lookup(lazyAddr + hostarch.Addr(i)*hostarch.PageSize)
		got, _ := window.Lookup(emptyAddr + hostarch.Addr(i+1)*hostarch.PageSize)
		if got.Kind != test.kind || got.PTE.Present() {
			t.Errorf("%s: window entry = %v %v, want hardware-absent %v", test.name, got.Kind, got.PTE, test.kind)
			continue
		}
		if test.kind != KindAlias {
			continue
		}
		// Aliases refer to the mirrored entry itself, never further down a
		// chain.
		if target, ok := env.c.AliasTarget(got.Entry); !ok || target != src.Entry {
			t.Errorf("%s: AliasTarget = %v, %t, want %v", test.name, target, ok, src.Entry)
		}
		if f := env.c.AliasFlags(got.Entry); f != windowFlags {
			t.Errorf("%s: AliasFlags = %v, want %v", test.name, f, windowFlags)
		}
	}

	// The present source page keeps its single mapping and kind.
	if tr, _ := child.Lookup(presentAddr); tr.Kind != KindPresent {
		t.Errorf("source entry = %v after AliasRange, want %v", tr.Kind, KindPresent)
	}
	if got := env.mf.Refs(frame); got != 2 {
		t.Errorf("Refs(%v) = %d, want 2", frame, got)
	}
	if err := child.AliasRange(window, 0xfffff000, lazyAddr, 2*hostarch.PageSize, windowFlags); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("AliasRange of a wrapping source = %v, want EINVAL", err)
	}
}

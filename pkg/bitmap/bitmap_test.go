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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		b.Add(i)
	}
	b.Add(64)
	if got := b.NumOnes(); got != 4 {
		t.Errorf("NumOnes = %d, want 4", got)
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	b.Remove(63)
	b.Remove(63)
	if b.Test(63) || !b.Test(64) {
		t.Errorf("Test after Remove(63): 63=%t 64=%t", b.Test(63), b.Test(64))
	}
	if got := b.NumOnes(); got != 3 {
		t.Errorf("NumOnes = %d, want 3", got)
	}
}

func TestOutOfRangePanics(t *testing.T) {
	b := New(10)
	defer func() {
		if recover() == nil {
			t.Errorf("Add(10) on a 10 bit bitmap did not panic")
		}
	}()
	b.Add(10)
}

func TestFirst(t *testing.T) {
	b := New(200)
	b.AddRange(0, 70)
	b.Add(150)

	for _, tc := range []struct {
		name    string
		start   uint32
		zero    uint32
		one     uint32
		oneFail bool
	}{
		{name: "start", start: 0, zero: 70, one: 0},
		{name: "word boundary", start: 64, zero: 70, one: 64},
		{name: "past run", start: 70, zero: 70, one: 150},
		{name: "last set bit", start: 151, zero: 151, oneFail: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got, err := b.FirstZero(tc.start); err != nil || got != tc.zero {
				t.Errorf("FirstZero(%d) = %d, %v, want %d", tc.start, got, err, tc.zero)
			}
			got, err := b.FirstOne(tc.start)
			if tc.oneFail {
				if err == nil {
					t.Errorf("FirstOne(%d) = %d, want error", tc.start, got)
				}
				return
			}
			if err != nil || got != tc.one {
				t.Errorf("FirstOne(%d) = %d, %v, want %d", tc.start, got, err, tc.one)
			}
		})
	}
}

func TestFirstZeroIgnoresPadding(t *testing.T) {
	b := New(10)
	b.AddRange(0, 10)
	if got, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on a full bitmap = %d, want error", got)
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(128)
	b.AddRange(0, 4)
	b.Add(6)
	b.AddRange(10, 64)

	for _, tc := range []struct {
		name string
		n    uint32
		want uint32
		ok   bool
	}{
		{name: "single", n: 1, want: 4, ok: true},
		{name: "fits first gap", n: 2, want: 4, ok: true},
		{name: "second gap", n: 3, want: 7, ok: true},
		{name: "crosses words", n: 50, want: 64, ok: true},
		{name: "exact tail", n: 64, want: 64, ok: true},
		{name: "too long", n: 65},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := b.FirstZeroRun(0, tc.n)
			if ok != tc.ok || (ok && got != tc.want) {
				t.Errorf("FirstZeroRun(0, %d) = %d, %t, want %d, %t", tc.n, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestClearRange(t *testing.T) {
	b := New(256)
	b.AddRange(10, 200)
	b.ClearRange(60, 130)
	if got, want := b.NumOnes(), uint32(190-70); got != want {
		t.Errorf("NumOnes = %d, want %d", got, want)
	}
	if got, _ := b.FirstZero(10); got != 60 {
		t.Errorf("FirstZero(10) = %d, want 60", got)
	}
	b.ClearRange(0, 256)
	if !b.IsEmpty() {
		t.Errorf("bitmap not empty after clearing everything: %v", b.ToSlice())
	}
}

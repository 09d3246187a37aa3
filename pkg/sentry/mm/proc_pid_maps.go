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

package mm

import (
	"bytes"
	"fmt"
	"strings"

	"pagecore.dev/pagecore/pkg/abi/linux"
)

// Maps returns the area listing of mm in the format of /proc/[pid]/maps.
func (mm *MemoryManager) Maps() string {
	var b bytes.Buffer
	mm.Areas(func(v *VMA) bool {
		b.Write(v.mapsEntry())
		return true
	})
	return b.String()
}

// mapsEntry returns the maps line for v, including the trailing newline.
func (v *VMA) mapsEntry() []byte {
	perms := []byte("---p")
	if v.Prot&linux.PROT_READ != 0 {
		perms[0] = 'r'
	}
	if v.Prot&linux.PROT_WRITE != 0 {
		perms[1] = 'w'
	}
	if v.Prot&linux.PROT_EXEC != 0 {
		perms[2] = 'x'
	}
	if v.VMFlags&linux.MAP_SHARED != 0 {
		perms[3] = 's'
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s %08x %02x:%02x %d ", uint32(v.Start), uint32(v.End), perms, v.Offset, 0, 0, v.Inode)
	if v.Name != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(v.Name)
	}
	b.WriteString("\n")
	return b.Bytes()
}

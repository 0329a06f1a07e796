/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package xfnv

import (
	"encoding/binary"
	"testing"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/stretchr/testify/require"
)

func TestHash64IsDeterministic(t *testing.T) {
	key := uint64(7)<<32 | 99
	require.Equal(t, Hash64(key), Hash64(key))
	require.NotEqual(t, Hash64(key), Hash64(key+1))
}

func TestHash64SpreadsAdjacentFunctionIDs(t *testing.T) {
	// Function ids within one module differ only in the low symbol-index
	// bits; the symtab hashtable needs those to land in distinct slots.
	seen := make(map[uint64]bool)
	for sym := uint32(0); sym < 1000; sym++ {
		h := Hash64(uint64(7)<<32 | uint64(sym))
		require.False(t, seen[h], "collision at symbol index %d", sym)
		seen[h] = true
	}
}

func BenchmarkHash64(b *testing.B) {
	b.Run("xfnv", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = Hash64(uint64(i)<<32 | uint64(i))
		}
	})
	b.Run("xxhash3", func(b *testing.B) {
		var buf [8]byte
		for i := 0; i < b.N; i++ {
			binary.NativeEndian.PutUint64(buf[:], uint64(i)<<32|uint64(i))
			_ = xxhash3.Hash(buf[:])
		}
	})
}

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

// Package xfnv hashes symbol-table keys: a modified FNV-1a specialized to
// the packed 64-bit function identifiers the symbol table is keyed by,
// folding the whole key in a single round instead of byte at a time.
//
// DO NOT STORE the hashes: they are for in-memory tables only. The symtab
// hashtable is rebuilt from the JSON side channel on every session and
// never crosses a process boundary, which is what makes a weak
// single-round fold acceptable here.
package xfnv

const (
	fnvHashOffset64 = uint64(14695981039346656037)
	fnvHashPrime64  = uint64(1099511628211)
)

// Hash64 hashes a packed (module-id << 32) | symbol-index function
// identifier: one xor-multiply round over the whole key.
func Hash64(v uint64) uint64 {
	h := fnvHashOffset64
	h ^= v
	h *= fnvHashPrime64
	return h
}

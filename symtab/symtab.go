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

// Package symtab interns (module, symbol) names loaded from the drain's
// well-known JSON side channel into a single read-only key arena plus an
// open-addressed-by-chaining hash table keyed by function-id, so the
// drain can turn an IndexEvent's function-id into text in O(1) without a
// map[uint64]string's per-entry allocation: one []byte data arena for key
// bytes, a slice of fixed-size item records carrying offsets into that
// arena, and a flat hashtable slice of item indices with same-slot items
// sorted together for cache locality. Hashing uses hash/xfnv — a cheap
// in-memory-only hash, which is fine here because the table never leaves
// the process that built it.
package symtab

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/adatrace/ada-core/errs"
	"github.com/adatrace/ada-core/hash/xfnv"
)

// Entry is one resolved symbol as it appears in the side-channel JSON
// file: /tmp/ada_symbols_<host-pid>_<session-id>.json.
type Entry struct {
	ModuleID    uint32 `json:"module_id"`
	SymbolIndex uint32 `json:"symbol_index"`
	Module      string `json:"module"`
	Symbol      string `json:"symbol"`
}

// FunctionID packs (module id, symbol index) exactly as IndexEvent's
// FunctionID field does: (module-id << 32) | symbol-index.
func FunctionID(moduleID, symbolIndex uint32) uint64 {
	return uint64(moduleID)<<32 | uint64(symbolIndex)
}

type item struct {
	key        uint64
	moduleOff  uint32
	moduleSize uint32
	symbolOff  uint32
	symbolSize uint32
	slot       uint32
}

// Table is an immutable, freely-shareable-across-goroutines interned
// symbol table.
type Table struct {
	data      []byte
	items     []item
	hashtable []int32
}

// Empty returns a Table with no entries; every Resolve call misses.
func Empty() *Table {
	return &Table{hashtable: []int32{-1}}
}

// LoadFromEntries builds an interned Table from entries.
func LoadFromEntries(entries []Entry) *Table {
	t := &Table{}
	sz := 0
	for _, e := range entries {
		sz += len(e.Module) + len(e.Symbol)
	}
	t.data = make([]byte, 0, sz)
	t.items = make([]item, 0, len(entries))

	for _, e := range entries {
		modOff := len(t.data)
		t.data = append(t.data, e.Module...)
		symOff := len(t.data)
		t.data = append(t.data, e.Symbol...)

		key := FunctionID(e.ModuleID, e.SymbolIndex)
		t.items = append(t.items, item{
			key:        key,
			moduleOff:  uint32(modOff),
			moduleSize: uint32(len(e.Module)),
			symbolOff:  uint32(symOff),
			symbolSize: uint32(len(e.Symbol)),
			slot:       uint32(hashKey(key)),
		})
	}
	t.buildHashtable()
	return t
}

// Load reads and parses the JSON side-channel file at path and interns
// its contents. A missing file is not an error: the drain runs fine
// without symbol resolution, just returning ok=false from every Resolve.
func Load(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("symtab: read %s failed", path))
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, errs.Wrap(errs.ErrInvalidArgument, fmt.Sprintf("symtab: parse %s failed", path))
	}
	return LoadFromEntries(entries), nil
}

// SidechannelPath returns the well-known path the drain loads symbols
// from for a given (host pid, session id) pair.
func SidechannelPath(hostPID int, sessionID uint32) string {
	return fmt.Sprintf("/tmp/ada_symbols_%d_%d.json", hostPID, sessionID)
}

func hashKey(key uint64) uint64 {
	return xfnv.Hash64(key)
}

type itemsBySlot []item

func (x itemsBySlot) Len() int           { return len(x) }
func (x itemsBySlot) Less(i, j int) bool { return x[i].slot < x[j].slot }
func (x itemsBySlot) Swap(i, j int)      { x[i], x[j] = x[j], x[i] }

func (t *Table) buildHashtable() {
	slots := calcSlots(len(t.items))
	t.hashtable = make([]int32, slots)
	for i := range t.items {
		t.items[i].slot %= uint32(slots)
	}
	sort.Sort(itemsBySlot(t.items))
	for i := range t.hashtable {
		t.hashtable[i] = -1
	}
	for i := range t.items {
		s := t.items[i].slot
		if t.hashtable[s] < 0 {
			t.hashtable[s] = int32(i)
		}
	}
}

func calcSlots(n int) int {
	if n == 0 {
		return 1
	}
	slots := 1
	for slots < n*2 {
		slots <<= 1
	}
	return slots
}

// Resolve returns the module and symbol text for functionID, and whether
// it was found.
func (t *Table) Resolve(functionID uint64) (module, symbol string, ok bool) {
	if len(t.hashtable) == 0 {
		return "", "", false
	}
	slot := hashKey(functionID) % uint64(len(t.hashtable))
	i := t.hashtable[slot]
	if i < 0 {
		return "", "", false
	}
	for j := int(i); j < len(t.items); j++ {
		e := &t.items[j]
		if uint32(e.slot) != uint32(slot) {
			break
		}
		if e.key == functionID {
			return t.str(e.moduleOff, e.moduleSize), t.str(e.symbolOff, e.symbolSize), true
		}
	}
	return "", "", false
}

func (t *Table) str(off, size uint32) string {
	return string(t.data[off : off+size])
}

// Len returns the number of interned entries.
func (t *Table) Len() int { return len(t.items) }

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

package idxqueue

import "testing"

func TestPushPopOrder(t *testing.T) {
	q, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, v := range []uint32{10, 20, 30, 40} {
		if !q.Push(v) {
			t.Fatalf("push %d failed", v)
		}
	}
	if q.Push(50) {
		t.Fatalf("push into full queue should fail")
	}
	for _, want := range []uint32{10, 20, 30, 40} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("pop: want %d got %d ok=%v", want, got, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop from empty queue should fail")
	}
}

func TestNonPowerOfTwoCapacityIsLegal(t *testing.T) {
	q, err := New(3)
	if err != nil {
		t.Fatalf("New(3) should be legal for idxqueue: %v", err)
	}
	if q.Capacity() != 3 {
		t.Fatalf("expected logical capacity 3, got %d", q.Capacity())
	}
	if !q.Push(1) || !q.Push(2) || !q.Push(3) {
		t.Fatalf("expected 3 pushes to succeed")
	}
	if q.Push(4) {
		t.Fatalf("4th push should fail at logical capacity 3")
	}
}

func TestMinimumCapacityTwo(t *testing.T) {
	if _, err := New(2); err != nil {
		t.Fatalf("capacity=2 should be legal: %v", err)
	}
	if _, err := New(1); err == nil {
		t.Fatalf("capacity=1 should be rejected")
	}
}

func TestIsEmptyIsFull(t *testing.T) {
	q, _ := New(2)
	if !q.IsEmpty() {
		t.Fatalf("new queue should be empty")
	}
	q.Push(1)
	q.Push(2)
	if !q.IsFull() {
		t.Fatalf("queue should be full")
	}
	q.Pop()
	if q.IsFull() || q.IsEmpty() {
		t.Fatalf("queue should be neither full nor empty")
	}
}

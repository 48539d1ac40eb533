// Copyright 2026 The TaskCore Authors.
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

package localpool

import (
	rbt "github.com/ugurcsen/gods-generic/trees/redblacktree"
)

// entryKey orders runnable entries: least accumulated handle run time
// first, ties broken by handle id then enqueue sequence, so entries of one
// handle drain FIFO while handles rotate by consumed time.
type entryKey struct {
	accum  int64 // nanoseconds, boost-adjusted
	handle int64
	seq    uint64
}

func entryKeyCompare(a, b entryKey) int {
	switch {
	case a.accum != b.accum:
		if a.accum < b.accum {
			return -1
		}
		return 1
	case a.handle != b.handle:
		if a.handle < b.handle {
			return -1
		}
		return 1
	case a.seq != b.seq:
		if a.seq < b.seq {
			return -1
		}
		return 1
	}
	return 0
}

// rbTreeQueue is the pool's runnable queue.
type rbTreeQueue struct {
	tree *rbt.Tree[entryKey, *entry]
}

func newRBTreeQueue() *rbTreeQueue {
	return &rbTreeQueue{
		tree: rbt.NewWith[entryKey, *entry](entryKeyCompare),
	}
}

func (r *rbTreeQueue) Push(key entryKey, value *entry) {
	r.tree.Put(key, value)
}

func (r *rbTreeQueue) Pop() (*entry, bool) {
	foundNode, ok := r.getMin(r.tree.Root)
	if ok {
		r.tree.Remove(foundNode.Key)
		return foundNode.Value, true
	}
	return nil, false
}

func (r *rbTreeQueue) Empty() bool {
	return r.tree.Empty()
}

func (r *rbTreeQueue) getMin(node *rbt.Node[entryKey, *entry]) (foundNode *rbt.Node[entryKey, *entry], found bool) {
	if node == nil {
		return nil, false
	}
	if node.Left == nil {
		return node, true
	}
	return r.getMin(node.Left)
}

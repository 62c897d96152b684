// Package btree implements a disk-resident B+ tree of byte-string keys and
// values. Every node lives in one page; node pages are allocated reuse-list
// first and handed back to the reuse list when deletes empty them. The root
// page id never changes for the lifetime of the tree, so the id recorded in
// the meta directory stays valid across splits and collapses.
package btree

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
	reuselist "github.com/cachegrid/cachegrid/core/write_engine/reuse_list"
)

// Tree is a B+ tree rooted at a fixed page. All mutating operations are
// serialized by a tree-level lock; lookups proceed concurrently.
type Tree struct {
	mu     sync.RWMutex
	rootID pagememory.FullPageID
	mem    pagememory.PageMemory
	reuse  *reuselist.ReuseList
	count  int

	// maxEntry bounds a single key+value cell so that an overflowing node can
	// always be split into two fitting halves.
	maxEntry int

	logger *zap.Logger
}

// New binds a tree to its root page. A fresh root is initialized as an empty
// leaf; an existing root is read back (verifying its checksum) and its entry
// count recovered by traversal, without rewriting anything.
func New(mem pagememory.PageMemory, reuse *reuselist.ReuseList, rootID pagememory.FullPageID, fresh bool, logger *zap.Logger) (*Tree, error) {
	if mem == nil || reuse == nil {
		return nil, ErrTreeNotInitialized
	}
	if !rootID.Valid() {
		return nil, fmt.Errorf("%w: %v", pagememory.ErrInvalidPageID, rootID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tree{
		rootID:   rootID,
		mem:      mem,
		reuse:    reuse,
		maxEntry: (mem.PageSize() - nodeHeaderSize - checksumSize) / 4,
		logger:   logger,
	}

	if fresh {
		root := &node{id: rootID, isLeaf: true}
		if err := t.writeNode(root); err != nil {
			return nil, err
		}
		return t, nil
	}

	root, err := t.readNode(rootID)
	if err != nil {
		return nil, err
	}
	count, err := t.countEntries(root)
	if err != nil {
		return nil, err
	}
	t.count = count
	return t, nil
}

// RootID returns the tree's fixed root page.
func (t *Tree) RootID() pagememory.FullPageID {
	return t.rootID
}

// Len returns the number of keys in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Search returns the value stored under key, or found=false.
func (t *Tree) Search(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.readNode(t.rootID)
	if err != nil {
		return nil, false, err
	}
	for !n.isLeaf {
		n, err = t.readNode(n.children[n.childIndex(key)])
		if err != nil {
			return nil, false, err
		}
	}
	i, ok := n.find(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(n.values[i]))
	copy(out, n.values[i])
	return out, true, nil
}

// Insert stores value under key, replacing any previous value.
func (t *Tree) Insert(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if cellLenSize*2+len(key)+len(value) > t.maxEntry {
		return fmt.Errorf("%w: key %d + value %d bytes, budget %d", ErrEntryTooLarge, len(key), len(value), t.maxEntry)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := t.readNode(t.rootID)
	if err != nil {
		return err
	}
	sep, rightID, split, added, err := t.insertInto(root, key, value)
	if err != nil {
		return err
	}
	if split {
		if err := t.splitRoot(sep, rightID); err != nil {
			return err
		}
	}
	if added {
		t.count++
	}
	return nil
}

// Delete removes key from the tree. It returns false when the key was not
// present. Leaves emptied by the removal are unlinked from their parent and
// released to the reuse list.
func (t *Tree) Delete(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := t.readNode(t.rootID)
	if err != nil {
		return false, err
	}
	deleted, _, err := t.deleteFrom(root, key)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}
	t.count--

	// A root left as a keyless pass-through collapses onto its only child so
	// the tree height shrinks while the root page id stays put. A root whose
	// every child has been reclaimed reverts to an empty leaf.
	for {
		root, err = t.readNode(t.rootID)
		if err != nil {
			return false, err
		}
		if root.isLeaf {
			return true, nil
		}
		switch len(root.children) {
		case 0:
			empty := &node{id: t.rootID, isLeaf: true}
			return true, t.writeNode(empty)
		case 1:
			child, err := t.readNode(root.children[0])
			if err != nil {
				return false, err
			}
			childID := child.id
			child.id = t.rootID
			if err := t.writeNode(child); err != nil {
				return false, err
			}
			t.reuse.Release(childID)
		default:
			return true, nil
		}
	}
}

// insertInto descends to the leaf for key and inserts or replaces. When a
// node overflows its page it is split in place: the left half keeps the
// node's page, the right half gets a fresh page, and the separator is handed
// up to the caller.
func (t *Tree) insertInto(n *node, key, value []byte) (sep []byte, rightID pagememory.FullPageID, split, added bool, err error) {
	if n.isLeaf {
		i, ok := n.find(key)
		if ok {
			n.values[i] = cloneBytes(value)
		} else {
			n.keys = insertAt(n.keys, i, cloneBytes(key))
			n.values = insertAt(n.values, i, cloneBytes(value))
			added = true
		}
	} else {
		i := n.childIndex(key)
		child, cerr := t.readNode(n.children[i])
		if cerr != nil {
			return nil, pagememory.InvalidPageID, false, false, cerr
		}
		childSep, childRight, childSplit, childAdded, cerr := t.insertInto(child, key, value)
		if cerr != nil {
			return nil, pagememory.InvalidPageID, false, false, cerr
		}
		added = childAdded
		if !childSplit {
			return nil, pagememory.InvalidPageID, false, added, nil
		}
		n.keys = insertAt(n.keys, i, childSep)
		n.children = insertAt(n.children, i+1, childRight)
	}

	if n.serializedSize() <= t.mem.PageSize() {
		return nil, pagememory.InvalidPageID, false, added, t.writeNode(n)
	}
	sep, rightID, err = t.splitNode(n)
	if err != nil {
		return nil, pagememory.InvalidPageID, false, added, err
	}
	return sep, rightID, true, added, nil
}

// splitNode moves the upper half of an overflowing node into a fresh page.
// For leaves the separator is a copy of the right half's first key; for
// internal nodes the middle key is promoted and lives in neither half.
func (t *Tree) splitNode(n *node) ([]byte, pagememory.FullPageID, error) {
	m := n.splitPoint(t.mem.PageSize())

	right := &node{isLeaf: n.isLeaf}
	var sep []byte
	if n.isLeaf {
		right.keys = cloneCells(n.keys[m:])
		right.values = cloneCells(n.values[m:])
		n.keys = n.keys[:m]
		n.values = n.values[:m]
		sep = cloneBytes(right.keys[0])
	} else {
		sep = n.keys[m]
		right.keys = cloneCells(n.keys[m+1:])
		right.children = append([]pagememory.FullPageID(nil), n.children[m+1:]...)
		n.keys = n.keys[:m]
		n.children = n.children[:m+1]
	}

	rightID, err := t.allocatePage()
	if err != nil {
		return nil, pagememory.InvalidPageID, err
	}
	right.id = rightID
	if err := t.writeNode(right); err != nil {
		t.reuse.Release(rightID)
		return nil, pagememory.InvalidPageID, err
	}
	if err := t.writeNode(n); err != nil {
		return nil, pagememory.InvalidPageID, err
	}
	return sep, rightID, nil
}

// splitRoot rehomes the root's left half (already written to the root page by
// splitNode) onto a fresh page and rewrites the root page as an internal node
// over the two halves. The root page id is never surrendered.
func (t *Tree) splitRoot(sep []byte, rightID pagememory.FullPageID) error {
	left, err := t.readNode(t.rootID)
	if err != nil {
		return err
	}
	leftID, err := t.allocatePage()
	if err != nil {
		return err
	}
	left.id = leftID
	if err := t.writeNode(left); err != nil {
		t.reuse.Release(leftID)
		return err
	}

	newRoot := &node{
		id:       t.rootID,
		isLeaf:   false,
		keys:     [][]byte{sep},
		children: []pagememory.FullPageID{leftID, rightID},
	}
	return t.writeNode(newRoot)
}

// deleteFrom descends to the leaf for key and removes it. emptied reports
// that the node no longer holds anything and (unless it is the root) should
// be unlinked and recycled by the caller.
func (t *Tree) deleteFrom(n *node, key []byte) (deleted, emptied bool, err error) {
	if n.isLeaf {
		i, ok := n.find(key)
		if !ok {
			return false, false, nil
		}
		n.keys = removeAt(n.keys, i)
		n.values = removeAt(n.values, i)
		if err := t.writeNode(n); err != nil {
			return false, false, err
		}
		return true, len(n.keys) == 0, nil
	}

	i := n.childIndex(key)
	child, err := t.readNode(n.children[i])
	if err != nil {
		return false, false, err
	}
	deleted, childEmptied, err := t.deleteFrom(child, key)
	if err != nil || !deleted || !childEmptied {
		return deleted, false, err
	}

	// Unlink the emptied child and drop the separator that guarded it.
	childID := n.children[i]
	n.children = removeAt(n.children, i)
	if len(n.keys) > 0 {
		if i > 0 {
			n.keys = removeAt(n.keys, i-1)
		} else {
			n.keys = removeAt(n.keys, 0)
		}
	}
	if err := t.writeNode(n); err != nil {
		return false, false, err
	}
	t.reuse.Release(childID)
	t.logger.Debug("Reclaimed emptied tree node", zap.String("pageId", childID.String()))
	return true, len(n.children) == 0, nil
}

func (t *Tree) countEntries(n *node) (int, error) {
	if n.isLeaf {
		return len(n.keys), nil
	}
	total := 0
	for _, childID := range n.children {
		child, err := t.readNode(childID)
		if err != nil {
			return 0, err
		}
		c, err := t.countEntries(child)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// allocatePage prefers the shared reuse list over the substrate.
func (t *Tree) allocatePage() (pagememory.FullPageID, error) {
	if id, ok := t.reuse.Allocate(); ok {
		return id, nil
	}
	return t.mem.AllocatePage(t.reuse.CacheID())
}

func (t *Tree) readNode(id pagememory.FullPageID) (*node, error) {
	data, err := t.mem.ReadPage(id)
	if err != nil {
		return nil, err
	}
	n := &node{}
	if err := n.deserialize(id, data); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Tree) writeNode(n *node) error {
	data, err := n.serialize(t.mem.PageSize())
	if err != nil {
		return err
	}
	return t.mem.WritePage(n.id, data)
}

// childIndex returns the child subtree that covers key. Separators route
// keys >= themselves to the right, matching how leaf splits copy the right
// half's first key upward.
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

// find returns the insertion index for key and whether it is already present.
func (n *node) find(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(j int) bool {
		return bytes.Compare(n.keys[j], key) >= 0
	})
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// splitPoint picks the split index that leaves the left half at roughly half
// the page budget, keeping at least one cell on each side.
func (n *node) splitPoint(pageSize int) int {
	target := pageSize / 2
	size := nodeHeaderSize + checksumSize
	for i := 0; i < len(n.keys)-1; i++ {
		size += cellLenSize + len(n.keys[i])
		if n.isLeaf {
			size += cellLenSize + len(n.values[i])
		} else {
			size += pageIDSize
		}
		if size >= target {
			return i + 1
		}
	}
	return len(n.keys) / 2
}

func insertAt[T any](s []T, i int, v T) []T {
	s = append(s, v)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	return append(s[:i], s[i+1:]...)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneCells(cells [][]byte) [][]byte {
	out := make([][]byte, len(cells))
	for i, c := range cells {
		out[i] = cloneBytes(c)
	}
	return out
}

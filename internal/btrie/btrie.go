// Package btrie implements an immutable disk-format trie keyed by token
// sequences. The encoding is designed so a reader can operate directly on the
// raw (possibly memory-mapped) file contents without building an in-memory
// tree.
//
// The file starts with a 6 byte header (magic "ALTR" plus a little-endian
// uint16 version) followed by a sequence of nodes. Each node is a 1 byte
// header (low 3 bits node type, high bits flags) and a variable body:
//
//   - data nodes hold the values: uint16 length followed by the bytes
//   - leaf nodes mark the end of a key: a uint32 pointer to a data node
//   - intermediate nodes hold one key token: uint8 key length, the key bytes,
//     then a uint32 pointer and uint16 length of the node's child block
//   - compact nodes are intermediate nodes with a single child; the child is
//     emitted inline immediately after the key, with no pointers
package btrie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	magic        = "ALTR"
	version      = 1
	headerLength = 6
)

const (
	nodeData         byte = 1
	nodeLeaf         byte = 2
	nodeCompact      byte = 3
	nodeIntermediate byte = 4

	nodeTypeMask  byte = 0b111
	flagWildcard  byte = 8
	maxKeyLength       = 255
	maxValueSize       = 65536
	maxBlockSize       = 65536
)

// Wildcard is a key token that matches any single token during search.
// Searches prefer an exact token match over a wildcard branch.
const Wildcard = "\x00*"

type builderNode struct {
	key      string
	hasValue bool
	value    string
	values   int
	order    []string
	children map[string]*builderNode
	compact  bool

	size        int
	dataPtrOff  int
	childPtrOff int
}

func newBuilderNode(key string) *builderNode {
	return &builderNode{key: key, children: make(map[string]*builderNode), compact: true, size: -1}
}

func (n *builderNode) addChild(key string) *builderNode {
	child := newBuilderNode(key)
	n.children[key] = child
	n.order = append(n.order, key)
	if n.hasValue || len(n.children) > 1 {
		n.compact = false
	}
	return child
}

func (n *builderNode) setValue(value string, combine func(existing, added string) string) {
	if !n.hasValue {
		n.value = value
		n.hasValue = true
	} else {
		n.value = combine(n.value, value)
	}
	n.values++
	if len(n.children) > 0 {
		n.compact = false
	}
}

func (n *builderNode) totalSize() int {
	if n.size >= 0 {
		return n.size
	}
	n.size = n.values
	for _, child := range n.children {
		n.size += child.totalSize()
	}
	return n.size
}

// Children are laid out wildcard-first, then most-populated-first, so that
// searches scan the likeliest branches early.
func (n *builderNode) sortChildren() {
	sort.SliceStable(n.order, func(i, j int) bool {
		a, b := n.order[i], n.order[j]
		if a == Wildcard {
			return true
		}
		if b == Wildcard {
			return false
		}
		asize, bsize := n.children[a].totalSize(), n.children[b].totalSize()
		if asize != bsize {
			return asize > bsize
		}
		return a < b
	})
}

type writer struct {
	buf []byte
}

func (w *writer) len() int { return len(w.buf) }

func (w *writer) appendByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) appendBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) appendUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) appendUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) patchUint16(off int, v uint16) {
	binary.LittleEndian.PutUint16(w.buf[off:], v)
}

func (w *writer) patchUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:], v)
}

func (n *builderNode) writeOwnKey(w *writer, nodeType byte) error {
	if n.key == Wildcard {
		w.appendByte(nodeType | flagWildcard)
		w.appendByte(0)
		return nil
	}
	if len(n.key) > maxKeyLength {
		return fmt.Errorf("key token too long: %d bytes", len(n.key))
	}
	w.appendByte(nodeType)
	w.appendByte(byte(len(n.key)))
	w.appendBytes([]byte(n.key))
	return nil
}

func (n *builderNode) writeLeafKey(w *writer) {
	w.appendByte(nodeLeaf)
	n.dataPtrOff = w.len()
	w.appendUint32(0)
}

func (n *builderNode) writeKey(w *writer) error {
	n.sortChildren()

	if n.compact {
		if err := n.writeOwnKey(w, nodeCompact); err != nil {
			return err
		}
		if n.hasValue {
			n.writeLeafKey(w)
		}
		for _, key := range n.order {
			if err := n.children[key].writeKey(w); err != nil {
				return err
			}
		}
		return nil
	}

	if err := n.writeOwnKey(w, nodeIntermediate); err != nil {
		return err
	}
	n.childPtrOff = w.len()
	w.appendUint32(0)
	w.appendUint16(0)
	return nil
}

func (n *builderNode) writeChildBlocks(w *writer) error {
	if !n.compact {
		begin := w.len()
		if n.hasValue {
			n.writeLeafKey(w)
		}
		for _, key := range n.order {
			if err := n.children[key].writeKey(w); err != nil {
				return err
			}
		}
		if w.len()-begin > maxBlockSize {
			return fmt.Errorf("child block too large: %d bytes", w.len()-begin)
		}
		w.patchUint32(n.childPtrOff, uint32(begin))
		w.patchUint16(n.childPtrOff+4, uint16(w.len()-begin))
	}

	for _, key := range n.order {
		if err := n.children[key].writeChildBlocks(w); err != nil {
			return err
		}
	}
	return nil
}

// Identical values share a single data node.
func (n *builderNode) writeData(w *writer, valueOffsets map[string]int) error {
	if n.hasValue {
		if off, ok := valueOffsets[n.value]; ok {
			w.patchUint32(n.dataPtrOff, uint32(off))
		} else {
			if len(n.value) > maxValueSize {
				return fmt.Errorf("value too large: %d bytes", len(n.value))
			}
			valueOffsets[n.value] = w.len()
			w.patchUint32(n.dataPtrOff, uint32(w.len()))
			w.appendByte(nodeData)
			w.appendUint16(uint16(len(n.value)))
			w.appendBytes([]byte(n.value))
		}
	}

	for _, key := range n.order {
		if err := n.children[key].writeData(w, valueOffsets); err != nil {
			return err
		}
	}
	return nil
}

// Builder accumulates key sequences and serializes them to the trie file
// format. When the same sequence is inserted more than once the combine
// function merges the new value into the existing one.
type Builder struct {
	combine func(existing, added string) string
	root    *builderNode
}

func NewBuilder(combine func(existing, added string) string) *Builder {
	root := newBuilderNode("")
	root.compact = false
	return &Builder{combine: combine, root: root}
}

func (b *Builder) Insert(sequence []string, value string) {
	node := b.root
	for _, key := range sequence {
		child := node.children[key]
		if child == nil {
			child = node.addChild(key)
		}
		node = child
	}
	node.setValue(value, b.combine)
}

func (b *Builder) Build() ([]byte, error) {
	w := &writer{}
	w.appendBytes([]byte(magic))
	w.appendUint16(version)

	b.root.sortChildren()

	rootSizeOff := w.len()
	w.appendUint16(0)

	begin := w.len()
	if b.root.hasValue {
		b.root.writeLeafKey(w)
	}
	for _, key := range b.root.order {
		if err := b.root.children[key].writeKey(w); err != nil {
			return nil, err
		}
	}
	if w.len()-begin > maxBlockSize {
		return nil, fmt.Errorf("root block too large: %d bytes", w.len()-begin)
	}
	w.patchUint16(rootSizeOff, uint16(w.len()-begin))

	for _, key := range b.root.order {
		if err := b.root.children[key].writeChildBlocks(w); err != nil {
			return nil, err
		}
	}

	if err := b.root.writeData(w, make(map[string]int)); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type block struct {
	offset int
	size   int
}

// Trie is a read-only view over a serialized trie.
type Trie struct {
	data []byte
	root block
}

func New(data []byte) (*Trie, error) {
	if len(data) < headerLength+2 {
		return nil, fmt.Errorf("trie file too short")
	}
	if string(data[:4]) != magic {
		return nil, fmt.Errorf("invalid trie magic")
	}
	if binary.LittleEndian.Uint16(data[4:]) != version {
		return nil, fmt.Errorf("unsupported trie version")
	}

	root := block{
		offset: headerLength + 2,
		size:   int(binary.LittleEndian.Uint16(data[headerLength:])),
	}
	if root.offset+root.size > len(data) {
		return nil, fmt.Errorf("trie file is corrupt")
	}
	return &Trie{data: data, root: root}, nil
}

func (t *Trie) skipNode(offset int) int {
	header := t.data[offset]
	offset++

	switch header & nodeTypeMask {
	case nodeData:
		offset += 2 + int(binary.LittleEndian.Uint16(t.data[offset:]))
	case nodeLeaf:
		offset += 4
	case nodeCompact:
		offset += 1 + int(t.data[offset])
	case nodeIntermediate:
		offset += 1 + int(t.data[offset]) + 6
	}
	return offset
}

// skipEntry skips a run of compact nodes and the non-compact node that
// terminates them.
func (t *Trie) skipEntry(offset int) int {
	for t.data[offset]&nodeTypeMask == nodeCompact {
		offset = t.skipNode(offset)
	}
	return t.skipNode(offset)
}

func (t *Trie) findKey(key []byte, wildcard bool, node block) (block, bool) {
	offset := node.offset
	for offset < node.offset+node.size {
		header := t.data[offset]
		nodeType := header & nodeTypeMask
		if nodeType == nodeData {
			return block{}, false
		}
		if nodeType == nodeLeaf {
			offset = t.skipNode(offset)
			continue
		}

		keyLength := int(t.data[offset+1])
		if wildcard {
			if header&flagWildcard == 0 {
				offset = t.skipEntry(offset)
				continue
			}
		} else {
			if header&flagWildcard != 0 ||
				keyLength != len(key) ||
				!bytes.Equal(key, t.data[offset+2:offset+2+keyLength]) {
				offset = t.skipEntry(offset)
				continue
			}
		}

		if nodeType == nodeCompact {
			// inline child, guaranteed to start right after the key
			return block{offset: offset + 2 + keyLength, size: 1}, true
		}

		child := block{
			offset: int(binary.LittleEndian.Uint32(t.data[offset+2+keyLength:])),
			size:   int(binary.LittleEndian.Uint16(t.data[offset+2+keyLength+4:])),
		}
		if child.offset+child.size > len(t.data) {
			return block{}, false
		}
		return child, true
	}
	return block{}, false
}

// Search looks up the value stored for the token sequence. At every step an
// exact token match is tried first, then a wildcard branch.
func (t *Trie) Search(sequence []string) (string, bool) {
	node := t.root
	for _, key := range sequence {
		child, ok := t.findKey([]byte(key), false, node)
		if !ok {
			child, ok = t.findKey(nil, true, node)
		}
		if !ok {
			return "", false
		}
		node = child
	}

	if node.size == 0 {
		return "", false
	}

	header := t.data[node.offset]
	if header&nodeTypeMask != nodeLeaf {
		return "", false
	}

	dataOffset := int(binary.LittleEndian.Uint32(t.data[node.offset+1:]))
	if dataOffset+3 > len(t.data) || t.data[dataOffset]&nodeTypeMask != nodeData {
		return "", false
	}
	dataSize := int(binary.LittleEndian.Uint16(t.data[dataOffset+1:]))
	if dataOffset+3+dataSize > len(t.data) {
		return "", false
	}
	return string(t.data[dataOffset+3 : dataOffset+3+dataSize]), true
}

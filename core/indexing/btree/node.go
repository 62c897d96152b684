package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
)

// --- BTree Node Serialization/Deserialization ---

const (
	checksumSize   = 4
	nodeHeaderSize = 3 // flags (1 byte) + numKeys (uint16)
	pageIDSize     = 12
	cellLenSize    = 2
)

// node is an in-memory B+ tree node. Leaves carry key/value cells; internal
// nodes carry separator keys and child page ids.
type node struct {
	id       pagememory.FullPageID
	isLeaf   bool
	keys     [][]byte
	values   [][]byte
	children []pagememory.FullPageID
}

// serializedSize returns the on-page footprint of the node, checksum included.
func (n *node) serializedSize() int {
	size := nodeHeaderSize + checksumSize
	for _, k := range n.keys {
		size += cellLenSize + len(k)
	}
	if n.isLeaf {
		for _, v := range n.values {
			size += cellLenSize + len(v)
		}
	} else {
		size += 2 + len(n.children)*pageIDSize
	}
	return size
}

// serialize renders the node into a page-sized buffer: flags byte, uint16 key
// count, length-prefixed cells, zero padding, CRC32 trailer over everything
// before the checksum.
func (n *node) serialize(pageSize int) ([]byte, error) {
	if n.serializedSize() > pageSize {
		return nil, fmt.Errorf("%w: node data (%d bytes) exceeds page size (%d) for page %v",
			pagememory.ErrSerialization, n.serializedSize(), pageSize, n.id)
	}
	buffer := new(bytes.Buffer)

	var flags byte
	if n.isLeaf {
		flags |= 1 << 0
	}
	if err := binary.Write(buffer, binary.LittleEndian, flags); err != nil {
		return nil, fmt.Errorf("%w: writing flags: %v", pagememory.ErrSerialization, err)
	}
	if err := binary.Write(buffer, binary.LittleEndian, uint16(len(n.keys))); err != nil {
		return nil, fmt.Errorf("%w: writing numKeys: %v", pagememory.ErrSerialization, err)
	}

	for _, k := range n.keys {
		if err := binary.Write(buffer, binary.LittleEndian, uint16(len(k))); err != nil {
			return nil, fmt.Errorf("%w: writing key length: %v", pagememory.ErrSerialization, err)
		}
		if _, err := buffer.Write(k); err != nil {
			return nil, fmt.Errorf("%w: writing key data: %v", pagememory.ErrSerialization, err)
		}
	}

	if n.isLeaf {
		for _, v := range n.values {
			if err := binary.Write(buffer, binary.LittleEndian, uint16(len(v))); err != nil {
				return nil, fmt.Errorf("%w: writing value length: %v", pagememory.ErrSerialization, err)
			}
			if _, err := buffer.Write(v); err != nil {
				return nil, fmt.Errorf("%w: writing value data: %v", pagememory.ErrSerialization, err)
			}
		}
	} else {
		if err := binary.Write(buffer, binary.LittleEndian, uint16(len(n.children))); err != nil {
			return nil, fmt.Errorf("%w: writing numChildren: %v", pagememory.ErrSerialization, err)
		}
		for _, childID := range n.children {
			b := childID.Bytes()
			if _, err := buffer.Write(b[:]); err != nil {
				return nil, fmt.Errorf("%w: writing childPageID: %v", pagememory.ErrSerialization, err)
			}
		}
	}

	pageData := make([]byte, pageSize)
	copy(pageData, buffer.Bytes())

	// Zero padding is already in place; the checksum covers everything before it.
	checksum := crc32.ChecksumIEEE(pageData[:pageSize-checksumSize])
	binary.LittleEndian.PutUint32(pageData[pageSize-checksumSize:], checksum)
	return pageData, nil
}

// deserialize reconstructs the node from page data, verifying the CRC32
// trailer first so a torn or corrupted page never yields a usable node.
func (n *node) deserialize(id pagememory.FullPageID, pageData []byte) error {
	pageSize := len(pageData)
	if pageSize < nodeHeaderSize+checksumSize {
		return fmt.Errorf("%w: page %v is too small (%d bytes)", pagememory.ErrDeserialization, id, pageSize)
	}

	storedChecksum := binary.LittleEndian.Uint32(pageData[pageSize-checksumSize:])
	calculatedChecksum := crc32.ChecksumIEEE(pageData[:pageSize-checksumSize])
	if storedChecksum != calculatedChecksum {
		n.keys = nil
		n.values = nil
		n.children = nil
		return fmt.Errorf("%w: stored=0x%x, calculated=0x%x for page %v",
			pagememory.ErrChecksumMismatch, storedChecksum, calculatedChecksum, id)
	}

	buffer := bytes.NewReader(pageData[:pageSize-checksumSize])

	var flags byte
	if err := binary.Read(buffer, binary.LittleEndian, &flags); err != nil {
		return fmt.Errorf("%w: reading flags: %v", pagememory.ErrDeserialization, err)
	}
	n.isLeaf = flags&(1<<0) != 0

	var numKeys uint16
	if err := binary.Read(buffer, binary.LittleEndian, &numKeys); err != nil {
		return fmt.Errorf("%w: reading numKeys: %v", pagememory.ErrDeserialization, err)
	}

	n.keys = make([][]byte, numKeys)
	for i := uint16(0); i < numKeys; i++ {
		cell, err := readCell(buffer)
		if err != nil {
			return fmt.Errorf("%w: reading key %d: %v", pagememory.ErrDeserialization, i, err)
		}
		n.keys[i] = cell
	}

	if n.isLeaf {
		n.values = make([][]byte, numKeys)
		for i := uint16(0); i < numKeys; i++ {
			cell, err := readCell(buffer)
			if err != nil {
				return fmt.Errorf("%w: reading value %d: %v", pagememory.ErrDeserialization, i, err)
			}
			n.values[i] = cell
		}
		n.children = nil
	} else {
		var numChildren uint16
		if err := binary.Read(buffer, binary.LittleEndian, &numChildren); err != nil {
			return fmt.Errorf("%w: reading numChildren: %v", pagememory.ErrDeserialization, err)
		}
		n.children = make([]pagememory.FullPageID, numChildren)
		var raw [pageIDSize]byte
		for i := uint16(0); i < numChildren; i++ {
			if _, err := io.ReadFull(buffer, raw[:]); err != nil {
				return fmt.Errorf("%w: reading childPageID %d: %v", pagememory.ErrDeserialization, i, err)
			}
			n.children[i] = pagememory.FullPageID{
				CacheID: binary.LittleEndian.Uint32(raw[0:4]),
				PageNo:  binary.LittleEndian.Uint64(raw[4:12]),
			}
		}
		n.values = nil
	}

	n.id = id
	return nil
}

func readCell(r *bytes.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	cell := make([]byte, length)
	if _, err := io.ReadFull(r, cell); err != nil {
		return nil, err
	}
	return cell, nil
}

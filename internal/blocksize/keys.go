package blocksize

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// freeListPrefix is the ASCII prefix shared by every free-list key.
const freeListPrefix = "free_"

// sentinelPrefix is the ASCII prefix for reserve-then-occupy sentinel keys
// (spec.md §9): kept distinct from free-list keys and from content-hash
// keys so a prefix scan for one kind never observes the other.
const sentinelPrefix = "resv_"

// hashKeyTag is prepended to every content-hash key. It is not a printable
// ASCII byte, so a 32-byte SHA-256 digest can never be mistaken for a
// free-list or sentinel key no matter what its first byte is (spec.md §9,
// "Hex-key collision with free-list keys").
const hashKeyTag = 0x00

// FreeListPrefix returns the scan prefix for every free-list entry of
// class c, e.g. "free_4k_".
func FreeListPrefix(c Class) string {
	return freeListPrefix + c.Name() + "_"
}

// FreeListKey returns the full key for the free-list entry of class c at
// blockNum, e.g. "free_4k_17".
func FreeListKey(c Class, blockNum uint64) string {
	return FreeListPrefix(c) + strconv.FormatUint(blockNum, 10)
}

// ParseFreeListKey extracts the block number from a key previously
// produced by FreeListKey for class c. It fails if key does not belong to
// class c's free list.
func ParseFreeListKey(c Class, key string) (blockNum uint64, ok bool) {
	prefix := FreeListPrefix(c)
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(key[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SentinelKey returns the reservation placeholder key for a slot reserved
// by worker workerID under request requestID, before its content hash is
// known (spec.md §4.3, reserve-then-occupy protocol).
func SentinelKey(workerID, requestID uint64) string {
	return fmt.Sprintf("%sw%d_r%d", sentinelPrefix, workerID, requestID)
}

// SentinelPrefix is the scan prefix for every sentinel key, used by the
// startup-recovery sweep (spec.md §7) and the idle GC sweep.
func SentinelPrefix() string { return sentinelPrefix }

// HashKey returns the storage key for a content-hash metadata record. hash
// must be the 32 raw SHA-256 bytes (not hex-encoded).
func HashKey(hash [32]byte) []byte {
	out := make([]byte, 1+len(hash))
	out[0] = hashKeyTag
	copy(out[1:], hash[:])
	return out
}

// FreeListValue encodes the buddy block number stored as a free-list
// entry's value.
func FreeListValue(buddyNum uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], buddyNum)
	return b[:]
}

// ParseFreeListValue decodes a free-list entry's value.
func ParseFreeListValue(v []byte) (buddyNum uint64, ok bool) {
	if len(v) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v), true
}

// metadataRecordLen is the fixed width of an encoded Metadata record:
// block_size(1) + block_num(8) + buddy_num(8) + data_size(8).
const metadataRecordLen = 1 + 8 + 8 + 8

// Metadata is the block metadata record keyed by content hash (spec.md §3).
type Metadata struct {
	BlockSize Class
	BlockNum  uint64
	BuddyNum  uint64
	DataSize  uint64
}

// Offset returns the byte offset of this block within the data file.
func (m Metadata) Offset() uint64 { return m.BlockNum * m.BlockSize.Bytes() }

// EncodeMetadata serializes m to its fixed-width binary record.
func EncodeMetadata(m Metadata) []byte {
	b := make([]byte, metadataRecordLen)
	b[0] = byte(m.BlockSize)
	binary.LittleEndian.PutUint64(b[1:9], m.BlockNum)
	binary.LittleEndian.PutUint64(b[9:17], m.BuddyNum)
	binary.LittleEndian.PutUint64(b[17:25], m.DataSize)
	return b
}

// DecodeMetadata parses a record previously produced by EncodeMetadata.
func DecodeMetadata(b []byte) (Metadata, bool) {
	if len(b) != metadataRecordLen {
		return Metadata{}, false
	}
	c := Class(b[0])
	if !c.Valid() {
		return Metadata{}, false
	}
	return Metadata{
		BlockSize: c,
		BlockNum:  binary.LittleEndian.Uint64(b[1:9]),
		BuddyNum:  binary.LittleEndian.Uint64(b[9:17]),
		DataSize:  binary.LittleEndian.Uint64(b[17:25]),
	}, true
}

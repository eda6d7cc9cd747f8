package hashslot

import (
	"bytes"

	"github.com/howeyc/crc16"
)

// SlotCount is the fixed size of the keyspace partition.
const SlotCount = 16384

// PartitionKey returns the part of key that is hashed. When the key holds a
// non-empty {hash tag}, only the tag is used so related keys land together.
func PartitionKey(key []byte) []byte {
	beg := bytes.IndexByte(key, '{')
	if beg == -1 {
		return key
	}
	end := bytes.IndexByte(key[beg+1:], '}')
	if end <= 0 {
		return key
	}
	return key[beg+1 : beg+1+end]
}

// Slot maps a key onto [0, SlotCount) using CRC16/XMODEM.
func Slot(key []byte) int {
	return int(crc16.Checksum(PartitionKey(key), crc16.CCITTFalseTable) % SlotCount)
}

func SlotString(key string) int {
	return Slot([]byte(key))
}

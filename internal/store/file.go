package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sigurn/crc16"
)

// SlotSize is the on-disk size of one meter's record: an 8-byte big-endian
// count followed by a CRC-16/MODBUS of those 8 bytes, also big-endian.
const SlotSize = 10

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// FileStore keeps one fixed-size slot per meter in a single file, laid out
// the way the counter used to live in EEPROM.
type FileStore struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFile opens or creates the slot file at path.
func OpenFile(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	return &FileStore{f: f}, nil
}

// Write commits count to the meter's slot and syncs the file.
func (s *FileStore) Write(meter int, count uint64) error {
	if meter < 0 {
		return storageErr("write", meter, errors.New("negative index"))
	}
	slot := encodeSlot(count)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt(slot[:], int64(meter)*SlotSize); err != nil {
		return storageErr("write", meter, err)
	}
	if err := s.f.Sync(); err != nil {
		return storageErr("sync", meter, err)
	}
	return nil
}

// Load returns the meter's committed count. Slots past the end of the file
// and erased or zeroed slots load as 0.
func (s *FileStore) Load(meter int) (uint64, error) {
	if meter < 0 {
		return 0, storageErr("load", meter, errors.New("negative index"))
	}
	var slot [SlotSize]byte

	s.mu.Lock()
	n, err := s.f.ReadAt(slot[:], int64(meter)*SlotSize)
	s.mu.Unlock()

	if errors.Is(err, io.EOF) {
		if n == 0 {
			return 0, nil
		}
		return 0, storageErr("load", meter, fmt.Errorf("truncated slot (%d bytes)", n))
	}
	if err != nil {
		return 0, storageErr("load", meter, err)
	}

	count, err := decodeSlot(slot)
	if err != nil {
		return 0, storageErr("load", meter, err)
	}
	return count, nil
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func encodeSlot(count uint64) [SlotSize]byte {
	var slot [SlotSize]byte
	binary.BigEndian.PutUint64(slot[:8], count)
	binary.BigEndian.PutUint16(slot[8:], crc16.Checksum(slot[:8], crcTable))
	return slot
}

var (
	erasedSlot = bytes.Repeat([]byte{0xFF}, SlotSize)
	zeroSlot   = make([]byte, SlotSize)
)

func decodeSlot(slot [SlotSize]byte) (uint64, error) {
	if bytes.Equal(slot[:], erasedSlot) || bytes.Equal(slot[:], zeroSlot) {
		return 0, nil
	}
	want := binary.BigEndian.Uint16(slot[8:])
	if got := crc16.Checksum(slot[:8], crcTable); got != want {
		return 0, fmt.Errorf("checksum mismatch: stored %04x, computed %04x", want, got)
	}
	return binary.BigEndian.Uint64(slot[:8]), nil
}

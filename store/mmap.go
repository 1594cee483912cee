package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MMapReader reads little-endian values from a memory-mapped file.
type MMapReader struct {
	data   mmap.MMap
	offset int
}

func NewMMapReader(data mmap.MMap) *MMapReader {
	return &MMapReader{
		data:   data,
		offset: 0,
	}
}

// Remaining returns the number of unread bytes.
func (r *MMapReader) Remaining() int {
	return len(r.data) - r.offset
}

func (r *MMapReader) ReadUint32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

// ReadBytes returns the next n bytes. The slice aliases the mapping and
// is only valid until the file is unmapped.
func (r *MMapReader) ReadBytes(n int) []byte {
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

// withMappedFile maps path read-only for the duration of fn.
func withMappedFile(path string, fn func(data mmap.MMap) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() < headerSize {
		return fmt.Errorf("%w: file is %d bytes", ErrInvalidSnapshot, info.Size())
	}

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap file: %w", err)
	}
	defer data.Unmap()

	return fn(data)
}

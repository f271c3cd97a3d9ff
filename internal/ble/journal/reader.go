package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxRecord bounds a single record so a corrupt length cannot exhaust memory.
const maxRecord = 1 << 20

// Reader reads a journal written by Writer.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next entry, or io.EOF at the clean end of the journal.
func (r *Reader) Next() (Entry, error) {
	size, err := readUvarint(r.r)
	if err != nil {
		return Entry{}, err
	}
	if size > maxRecord {
		return Entry{}, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, size)
	}
	rec := make([]byte, size)
	if _, err := io.ReadFull(r.r, rec); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated record: %v", ErrCorrupt, err)
	}
	return unmarshalEntry(rec)
}

// ReadFile reads every entry of the journal at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	r := NewReader(f)
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

// readUvarint reads a protobuf varint. io.EOF is returned only when no byte
// of it was read.
func readUvarint(r io.ByteReader) (uint64, error) {
	var buf []byte
	for i := 0; i < protowire.SizeVarint(1<<63); i++ {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return 0, fmt.Errorf("%w: truncated length", ErrCorrupt)
			}
			return 0, err
		}
		buf = append(buf, c)
		if c < 0x80 {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: length overflows", ErrCorrupt)
}

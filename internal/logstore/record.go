package logstore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Record framing constants.
const (
	// recordHeaderSize is the size of the frame header.
	// Layout:
	//   - Bytes 0-3: BodyLen (uint32)
	//   - Bytes 4-7: Checksum (uint32, CRC-32 IEEE over the body)
	recordHeaderSize = 8

	// MaxRecordSize bounds a single encoded entry.
	MaxRecordSize = 64 * 1024 * 1024
)

// errTornRecord marks a frame that could not be read back completely or
// whose checksum does not match. During recovery it ends the valid prefix.
var errTornRecord = errors.New("logstore: torn record")

// recordSize returns the framed size of an entry.
func recordSize(e *Entry) int64 {
	return int64(recordHeaderSize + e.Size())
}

// appendRecord frames the entry and appends it to buf.
func appendRecord(buf []byte, e *Entry) []byte {
	body := e.Encode()

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))

	buf = append(buf, header[:]...)
	return append(buf, body...)
}

// readRecord reads and verifies the frame at off. limit is the number of
// bytes known to belong to the file. It returns the decoded entry and the
// framed length.
func readRecord(r io.ReaderAt, off, limit int64) (*Entry, int64, error) {
	if limit-off < recordHeaderSize {
		return nil, 0, errTornRecord
	}

	var header [recordHeaderSize]byte
	if _, err := r.ReadAt(header[:], off); err != nil {
		if err == io.EOF {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}

	bodyLen := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if bodyLen < entryHeaderSize || bodyLen > MaxRecordSize {
		return nil, 0, errTornRecord
	}
	if limit-off-recordHeaderSize < int64(bodyLen) {
		return nil, 0, errTornRecord
	}

	body := make([]byte, bodyLen)
	if _, err := r.ReadAt(body, off+recordHeaderSize); err != nil {
		if err == io.EOF {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, 0, errTornRecord
	}

	e, err := DecodeEntry(body)
	if err != nil {
		return nil, 0, errTornRecord
	}
	return e, recordHeaderSize + int64(bodyLen), nil
}

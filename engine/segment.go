package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cqkv/recordstore/fio"
	"github.com/cqkv/recordstore/utils"
)

// segment is the engine's append-only log file, adapted from the
// teacher's model.DataFile: a single fio.IOManager plus a write offset,
// generalized to serve the whole keyspace instead of one bitcask file
// per generation.
type segment struct {
	mu     sync.Mutex
	path   string
	io     fio.IOManager
	offset int64
}

func openSegment(path string) (*segment, error) {
	f, err := fio.NewFileIO(path)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{path: path, io: f, offset: size}, nil
}

// logRecord is one entry in the segment: a put or a delete.
type logRecord struct {
	Key      []byte
	Value    []byte
	IsDelete bool
}

// maxLogRecordHeaderSize is crc(4) + isDelete(1) + keySize(varint) + valSize(varint),
// sized for the worst case (two max-length varints), mirroring
// model.MaxHeaderSize's role in the teacher's codec.
const maxLogRecordHeaderSize = 4 + 1 + binary.MaxVarintLen64*2

// encodeLogRecord lays the record out as:
// crc(4) | isDelete(1) | keySize(varint) | valSize(varint) | key | value
// the same field-by-field layout as codec.CodecImpl.MarshalRecordHeader,
// generalized from a fixed key/value split to a single record package.
func encodeLogRecord(r logRecord) []byte {
	header := make([]byte, maxLogRecordHeaderSize)
	idx := 5
	idx += binary.PutVarint(header[idx:], int64(len(r.Key)))
	idx += binary.PutVarint(header[idx:], int64(len(r.Value)))

	buf := make([]byte, idx+len(r.Key)+len(r.Value))
	copy(buf[idx:], r.Key)
	copy(buf[idx+len(r.Key):], r.Value)
	copy(buf[5:idx], header[5:idx])
	if r.IsDelete {
		buf[4] = 1
	}
	crc := utils.GenerateCrc(buf[4:])
	binary.BigEndian.PutUint32(buf[:4], crc)
	return buf
}

func decodeLogRecord(buf []byte) (logRecord, int, error) {
	if len(buf) < 6 {
		return logRecord{}, 0, io.ErrUnexpectedEOF
	}
	crc := binary.BigEndian.Uint32(buf[:4])
	isDelete := buf[4] == 1

	idx := 5
	keySize, n := binary.Varint(buf[idx:])
	idx += n
	valSize, n := binary.Varint(buf[idx:])
	idx += n

	total := idx + int(keySize) + int(valSize)
	if total > len(buf) {
		return logRecord{}, 0, io.ErrUnexpectedEOF
	}
	if !utils.CheckCrc(crc, buf[4:total]) {
		return logRecord{}, 0, fmt.Errorf("engine: log record checksum mismatch")
	}

	key := append([]byte(nil), buf[idx:idx+int(keySize)]...)
	val := append([]byte(nil), buf[idx+int(keySize):total]...)
	return logRecord{Key: key, Value: val, IsDelete: isDelete}, total, nil
}

func (s *segment) append(r logRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := encodeLogRecord(r)
	n, err := s.io.Write(data)
	if err != nil {
		return err
	}
	s.offset += int64(n)
	return nil
}

func (s *segment) Sync() error {
	return s.io.Sync()
}

func (s *segment) Close() error {
	return s.io.Close()
}

// readAll replays the whole segment from the start, in write order.
func (s *segment) readAll() ([]logRecord, error) {
	size, err := s.io.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	if _, err := s.io.Read(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}

	var records []logRecord
	var off int
	for off < len(buf) {
		rec, n, err := decodeLogRecord(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("engine: replay %s at offset %d: %w", s.path, off, err)
		}
		records = append(records, rec)
		off += n
	}
	return records, nil
}

// renameOver atomically replaces target's file with this segment's file.
func (s *segment) renameOver(target string) error {
	if err := s.io.Close(); err != nil {
		return err
	}
	return os.Rename(s.path, target)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

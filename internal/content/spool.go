package content

import (
	"bytes"
	"io"
	"os"
)

// DefaultSpoolMemory is the in-memory budget before an upload spills to a
// temporary file.
const DefaultSpoolMemory int64 = 4 << 20

type spool struct {
	buf       []byte
	file      *os.File
	threshold int64
}

func newSpool(threshold int64) *spool {
	if threshold <= 0 {
		threshold = DefaultSpoolMemory
	}
	return &spool{threshold: threshold}
}

func (s *spool) Write(data []byte) (int, error) {
	if s.file != nil {
		return s.file.Write(data)
	}
	if int64(len(s.buf)+len(data)) <= s.threshold {
		s.buf = append(s.buf, data...)
		return len(data), nil
	}
	f, err := os.CreateTemp("", "domainctl-content-*.tmp")
	if err != nil {
		return 0, err
	}
	if len(s.buf) > 0 {
		if _, err := f.Write(s.buf); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, err
		}
	}
	s.file = f
	s.buf = nil
	return f.Write(data)
}

func (s *spool) Reader() (io.ReadSeeker, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.file, nil
	}
	return bytes.NewReader(s.buf), nil
}

func (s *spool) Close() error {
	if s.file != nil {
		name := s.file.Name()
		err := s.file.Close()
		_ = os.Remove(name)
		s.file = nil
		return err
	}
	s.buf = nil
	return nil
}

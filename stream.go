package mls

import (
	syntax "github.com/cisco/go-tls-syntax"
)

///
/// Write Stream
///

// WriteStream accumulates TLS-syntax encodings. Tagged unions use it to write
// the discriminant followed by the selected arm.
type WriteStream struct {
	buffer []byte
}

func NewWriteStream() *WriteStream {
	return &WriteStream{}
}

func (s *WriteStream) Data() []byte {
	return s.buffer
}

func (s *WriteStream) Write(val interface{}) error {
	enc, err := syntax.Marshal(val)
	if err != nil {
		return codecError("encode", err)
	}
	s.buffer = append(s.buffer, enc...)
	return nil
}

func (s *WriteStream) WriteAll(vals ...interface{}) error {
	for _, val := range vals {
		err := s.Write(val)
		if err != nil {
			return err
		}
	}
	return nil
}

///
/// ReadStream
///

type ReadStream struct {
	buffer []byte
	cursor int
}

func NewReadStream(data []byte) *ReadStream {
	return &ReadStream{data, 0}
}

func (s *ReadStream) Read(val interface{}) (int, error) {
	read, err := syntax.Unmarshal(s.buffer[s.cursor:], val)
	if err != nil {
		return 0, codecError("decode", err)
	}

	s.cursor += read
	return read, nil
}

func (s *ReadStream) ReadAll(vals ...interface{}) (int, error) {
	totalRead := 0
	for _, val := range vals {
		read, err := s.Read(val)
		if err != nil {
			return 0, err
		}
		totalRead += read
	}
	return totalRead, nil
}

func (s *ReadStream) Position() int {
	return s.cursor
}

func (s *ReadStream) Remaining() int {
	return len(s.buffer) - s.cursor
}

///
/// Whole-value helpers
///

func marshal(val interface{}) ([]byte, error) {
	enc, err := syntax.Marshal(val)
	if err != nil {
		return nil, codecError("encode", err)
	}
	return enc, nil
}

// unmarshal decodes exactly one value and rejects trailing bytes.
func unmarshal(data []byte, val interface{}) error {
	read, err := syntax.Unmarshal(data, val)
	if err != nil {
		return codecError("decode", err)
	}
	if read != len(data) {
		return codecError("decode", ErrTrailingData)
	}
	return nil
}

// Length-prefixed opaque values for hand-written codecs.
type opaque1 struct {
	Data []byte `tls:"head=1"`
}

type opaque2 struct {
	Data []byte `tls:"head=2"`
}

type opaque4 struct {
	Data []byte `tls:"head=4"`
}

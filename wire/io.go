package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const readBufferSize = 64 * 1024

// Reader reads framed records from a stream. Unless a format is forced, the
// first byte decides: 0x00 starts a CBOR length prefix, anything else is JSON.
//
// After ErrOversized the stream position is undefined and the Reader must be
// discarded together with its channel.
type Reader struct {
	br      *bufio.Reader
	limits  Limits
	format  Format
	sniffed bool
}

// NewReader creates a Reader that detects the framing from the first byte
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br:     bufio.NewReaderSize(r, readBufferSize),
		limits: DefaultLimits(),
	}
}

// NewReaderFormat creates a Reader with a fixed framing
func NewReaderFormat(r io.Reader, f Format) *Reader {
	rd := NewReader(r)
	rd.format = f
	rd.sniffed = true
	return rd
}

// SetLimits updates the reader's limits
func (r *Reader) SetLimits(limits Limits) {
	r.limits = limits
}

// Format reports the framing in use. It is FormatJSON until the first record
// has been read from a sniffing Reader.
func (r *Reader) Format() Format {
	return r.format
}

// ReadRaw returns the body of the next record without decoding it
func (r *Reader) ReadRaw() ([]byte, error) {
	if !r.sniffed {
		first, err := r.br.Peek(1)
		if err != nil {
			return nil, err
		}
		if first[0] == 0x00 {
			r.format = FormatCBOR
		}
		r.sniffed = true
	}
	if r.format == FormatCBOR {
		return r.readFrame()
	}
	return r.readLine()
}

// ReadMessage reads and decodes the next record
func (r *Reader) ReadMessage() (Message, error) {
	body, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	return Decode(r.format, body)
}

func (r *Reader) readFrame() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r.br, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	// Enforce the limit before allocating the body
	if limit := r.limits.Effective(); int64(length) > int64(limit) {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit %d", ErrOversized, length, limit)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.br, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

func (r *Reader) readLine() ([]byte, error) {
	limit := r.limits.Effective()
	for {
		var line []byte
		for {
			chunk, err := r.br.ReadSlice('\n')
			if len(line)+len(chunk) > limit+2 {
				return nil, fmt.Errorf("%w: line exceeds limit %d", ErrOversized, limit)
			}
			line = append(line, chunk...)
			if err == nil {
				break
			}
			if err == bufio.ErrBufferFull {
				continue
			}
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				// final record without a trailing newline
				return line, nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(line) > limit {
			return nil, fmt.Errorf("%w: line exceeds limit %d", ErrOversized, limit)
		}
		return line, nil
	}
}

// Writer writes framed records to a stream. A Writer is not safe for
// concurrent use; each channel has exactly one writing goroutine.
type Writer struct {
	w      io.Writer
	format Format
	limits Limits
}

// NewWriter creates a new Writer
func NewWriter(w io.Writer, f Format) *Writer {
	return &Writer{w: w, format: f, limits: DefaultLimits()}
}

// SetLimits updates the writer's limits
func (w *Writer) SetLimits(limits Limits) {
	w.limits = limits
}

// SetFormat switches the framing, used once the peer's framing is known
func (w *Writer) SetFormat(f Format) {
	w.format = f
}

// Format returns the framing in use
func (w *Writer) Format() Format {
	return w.format
}

// WriteMessage encodes and writes a single record
func (w *Writer) WriteMessage(m Message) error {
	body, err := Encode(w.format, m)
	if err != nil {
		return err
	}
	return w.WriteRaw(body)
}

// WriteBatch writes responses as one frame
func (w *Writer) WriteBatch(responses []*Response) error {
	body, err := EncodeBatch(w.format, responses)
	if err != nil {
		return err
	}
	return w.WriteRaw(body)
}

// WriteRaw frames an already encoded record body and writes it in one call
func (w *Writer) WriteRaw(body []byte) error {
	if limit := w.limits.Effective(); len(body) > limit {
		return fmt.Errorf("%w: encoded size %d exceeds limit %d", ErrOversized, len(body), limit)
	}

	var buf []byte
	switch w.format {
	case FormatCBOR:
		buf = make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
		copy(buf[4:], body)
	default:
		buf = make([]byte, len(body)+1)
		copy(buf, body)
		buf[len(body)] = '\n'
	}
	_, err := w.w.Write(buf)
	return err
}

package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineBytes is the hard cap on a single wire line. A peer exceeding it
// is protocol-broken and the session ends.
const MaxLineBytes = 1 << 20 // 1 MiB

// ErrLineTooLong is returned when a peer sends a line above MaxLineBytes.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

// Codec reads and writes newline-delimited JSON messages on a stream.
// Not safe for concurrent use — one session owns its codec.
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// NewCodec wraps rw. The read side is buffered; writes go straight through
// so a message is on the wire as soon as Write returns.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r: bufio.NewReaderSize(rw, 64*1024),
		w: rw,
	}
}

// Read decodes the next line into v. io.EOF is returned unwrapped when the
// peer closed the stream cleanly between messages.
func (c *Codec) Read(v any) error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("protocol: decode message: %w", err)
	}
	return nil
}

// Write encodes v followed by a newline.
func (c *Codec) Write(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode message: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write message: %w", err)
	}
	return nil
}

// readLine returns the next line without its trailing newline, enforcing
// MaxLineBytes no matter how the peer fragments the stream.
func (c *Codec) readLine() ([]byte, error) {
	var line []byte
	for {
		part, err := c.r.ReadSlice('\n')
		line = append(line, part...)
		if len(line) > MaxLineBytes {
			return nil, ErrLineTooLong
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) == 0:
			return nil, io.EOF
		case errors.Is(err, io.EOF):
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

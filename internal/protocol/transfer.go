package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// The transfer protocol is symmetric: the same sender runs on the agent for
// downloads and on the operator side for uploads, and likewise for the
// receiver. Stop-and-wait: the sender emits chunk N, waits for its ack,
// then emits N+1 — a slow receiver provides backpressure instead of the
// sender buffering unboundedly.

var (
	// ErrChecksumMismatch means a chunk or whole-file digest failed to
	// verify. The transfer is aborted; the sender must not retry.
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")

	// ErrChunkOutOfOrder means a chunk arrived with an unexpected sequence
	// number.
	ErrChunkOutOfOrder = errors.New("protocol: chunk out of order")

	// ErrRemoteAbort means the peer negatively acked a chunk.
	ErrRemoteAbort = errors.New("protocol: transfer aborted by peer")
)

// TransferOpts tunes one direction of a transfer.
type TransferOpts struct {
	// ChunkSize bounds payload size: senders emit payloads of exactly this
	// size (except the final chunk), receivers reject anything larger.
	ChunkSize int

	// Touch, when set, is called before every blocking read or write.
	// Session handlers use it to arm the idle-timeout deadline on the
	// underlying stream.
	Touch func()
}

func (o TransferOpts) touch() {
	if o.Touch != nil {
		o.Touch()
	}
}

// SendFile streams r to the peer as checksummed chunks and finishes with
// the whole-file digest. It never materializes the file in memory: at most
// two chunks are held at a time (one in flight, one read ahead to decide
// the isFinal flag).
func SendFile(c *Codec, r io.Reader, opts TransferOpts) error {
	whole := sha256.New()

	cur, err := readChunk(r, opts.ChunkSize)
	if err != nil {
		return fmt.Errorf("protocol: read source: %w", err)
	}

	seq := 0
	for {
		next, rerr := readChunk(r, opts.ChunkSize)
		if rerr != nil {
			return fmt.Errorf("protocol: read source: %w", rerr)
		}
		isFinal := len(next) == 0

		whole.Write(cur)
		chunk := FileChunk{
			Seq:      seq,
			IsFinal:  isFinal,
			Checksum: digest(cur),
			Payload:  cur,
		}
		opts.touch()
		if err := c.Write(chunk); err != nil {
			return err
		}

		var ack ChunkAck
		opts.touch()
		if err := c.Read(&ack); err != nil {
			return fmt.Errorf("protocol: read ack for chunk %d: %w", seq, err)
		}
		if !ack.OK {
			return fmt.Errorf("%w: chunk %d: %s", ErrRemoteAbort, seq, ack.Error)
		}
		if ack.Seq != seq {
			return fmt.Errorf("%w: acked %d, expected %d", ErrChunkOutOfOrder, ack.Seq, seq)
		}

		if isFinal {
			break
		}
		cur = next
		seq++
	}

	opts.touch()
	return c.Write(TransferDone{WholeFileChecksum: hex.EncodeToString(whole.Sum(nil))})
}

// ReceiveFile consumes a chunk stream into w, acking each chunk after its
// payload digest verifies, and finally checks the sender's whole-file
// digest against its own. On any error the transfer is aborted — the
// caller discards whatever was written to w.
func ReceiveFile(c *Codec, w io.Writer, opts TransferOpts) error {
	whole := sha256.New()
	next := 0

	for {
		var chunk FileChunk
		opts.touch()
		if err := c.Read(&chunk); err != nil {
			return fmt.Errorf("protocol: read chunk %d: %w", next, err)
		}

		if chunk.Seq != next {
			nack(c, chunk.Seq, "out of order")
			return fmt.Errorf("%w: got %d, expected %d", ErrChunkOutOfOrder, chunk.Seq, next)
		}
		if opts.ChunkSize > 0 && len(chunk.Payload) > opts.ChunkSize {
			nack(c, chunk.Seq, "payload exceeds chunk size")
			return fmt.Errorf("protocol: chunk %d payload %d exceeds limit %d", chunk.Seq, len(chunk.Payload), opts.ChunkSize)
		}
		if digest(chunk.Payload) != chunk.Checksum {
			nack(c, chunk.Seq, ErrCodeChecksum)
			return fmt.Errorf("%w: chunk %d", ErrChecksumMismatch, chunk.Seq)
		}

		if _, err := w.Write(chunk.Payload); err != nil {
			nack(c, chunk.Seq, "write failed")
			return fmt.Errorf("protocol: write chunk %d: %w", chunk.Seq, err)
		}
		whole.Write(chunk.Payload)

		opts.touch()
		if err := c.Write(ChunkAck{Seq: chunk.Seq, OK: true}); err != nil {
			return err
		}

		if chunk.IsFinal {
			break
		}
		next++
	}

	var done TransferDone
	opts.touch()
	if err := c.Read(&done); err != nil {
		return fmt.Errorf("protocol: read transfer completion: %w", err)
	}
	if done.WholeFileChecksum != hex.EncodeToString(whole.Sum(nil)) {
		return fmt.Errorf("%w: whole file", ErrChecksumMismatch)
	}
	return nil
}

// readChunk reads up to size bytes from r. A short or empty result means
// the source is exhausted.
func readChunk(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func digest(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// nack best-effort reports an abort to the peer; the transfer is already
// failed so the write error is ignored.
func nack(c *Codec, seq int, reason string) {
	_ = c.Write(ChunkAck{Seq: seq, OK: false, Error: reason})
}

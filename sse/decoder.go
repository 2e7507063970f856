// Package sse decodes the analysis event stream.
//
// The wire format is a sequence of records terminated by a blank line:
//
//	data: {"type":"progress","current":1,"total":6}\n\n
//
// A Decoder is fed raw chunks in delivery order and returns every record
// that became complete. Output depends only on the concatenation of the fed
// chunks, never on where the chunk boundaries fall.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jxucoder/intake/metrics"
	"github.com/jxucoder/intake/model"
)

const (
	// DataPrefix starts every record that carries an event payload.
	DataPrefix = "data: "

	// DefaultMaxPending bounds the unterminated tail kept between feeds.
	DefaultMaxPending = 8 << 20
)

var terminator = []byte("\n\n")

// ErrRecordTooLarge is returned by Feed when a record, terminated or not,
// could exceed the configured limit in the buffer. The check gives the same
// result for every chunking of the stream.
var ErrRecordTooLarge = errors.New("event record exceeds size limit")

// ErrUnknownEvent is returned by ParseEvent for payloads with an unrecognized
// type tag. Callers ignore such events.
var ErrUnknownEvent = errors.New("unknown event type")

// DecodeError describes a record whose payload could not be decoded. It is
// always recoverable: the record is dropped and the stream continues.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding event payload %q: %v", model.Truncate(e.Payload, 120), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Record is the JSON payload of one complete data record.
type Record struct {
	Data json.RawMessage
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for soft decode errors.
func WithLogger(l *zap.Logger) Option {
	return func(d *Decoder) { d.logger = l.Named("sse") }
}

// WithMaxPending sets the largest unterminated tail Feed will buffer. A
// record longer than n-1 bytes fails even when it arrives whole.
func WithMaxPending(n int) Option {
	return func(d *Decoder) { d.maxPending = n }
}

// Decoder incrementally frames a chunked event stream. It is owned by a
// single stream reader and is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	scanned    int // bytes of buf already known to hold no terminator
	maxPending int
	logger     *zap.Logger
}

// NewDecoder creates a Decoder with an empty buffer.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		maxPending: DefaultMaxPending,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the buffer and returns the records it completed.
// Records without the data prefix are discarded; records whose payload is
// not valid JSON are logged and dropped.
func (d *Decoder) Feed(chunk []byte) ([]Record, error) {
	d.buf = append(d.buf, chunk...)

	var out []Record
	for {
		// A terminator may straddle the previous chunk boundary.
		from := max(d.scanned-len(terminator)+1, 0)
		i := bytes.Index(d.buf[from:], terminator)
		if i < 0 {
			d.scanned = len(d.buf)
			break
		}
		end := from + i
		// The longest tail this record could have left buffered is the
		// record plus the first terminator byte.
		if d.maxPending > 0 && end+len(terminator)-1 > d.maxPending {
			d.Reset()
			return out, fmt.Errorf("%w: record of %d bytes", ErrRecordTooLarge, end)
		}
		if rec, ok := d.record(d.buf[:end]); ok {
			out = append(out, rec)
		}
		d.buf = d.buf[end+len(terminator):]
		d.scanned = 0
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	if d.maxPending > 0 && len(d.buf) > d.maxPending {
		pending := len(d.buf)
		d.Reset()
		return out, fmt.Errorf("%w: %d bytes without terminator", ErrRecordTooLarge, pending)
	}
	return out, nil
}

// Flush is called once at end of stream. Unterminated residual text is not
// an event and is discarded.
func (d *Decoder) Flush() []Record {
	if len(d.buf) > 0 {
		d.logger.Debug("discarding unterminated record at end of stream",
			zap.Int("bytes", len(d.buf)))
	}
	d.Reset()
	return nil
}

// Reset releases the buffer.
func (d *Decoder) Reset() {
	d.buf = nil
	d.scanned = 0
}

// Pending returns the number of buffered bytes not yet terminated.
func (d *Decoder) Pending() int { return len(d.buf) }

func (d *Decoder) record(raw []byte) (Record, bool) {
	payload, ok := bytes.CutPrefix(raw, []byte(DataPrefix))
	if !ok {
		return Record{}, false
	}
	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) {
		err := &DecodeError{Payload: string(payload), Err: errors.New("invalid JSON")}
		d.logger.Warn("dropping malformed event record", zap.Error(err))
		metrics.IncreaseDecodeErrors()
		return Record{}, false
	}
	// Copy out: the buffer's backing array is reused by later feeds.
	return Record{Data: bytes.Clone(payload)}, true
}

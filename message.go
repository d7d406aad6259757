package mda

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/infodancer/mda/errors"
)

// Envelope carries the transport-level facts about a message that a
// mailbox format may need to record.
type Envelope struct {
	// From is the envelope sender (return path). Empty means the null
	// sender, as used for bounces.
	From string

	// ReceivedTime is when the message was received. Zero means now.
	ReceivedTime time.Time
}

// Message is the payload handed to the engine by the host. It is read
// exactly once and buffered; later deliveries reuse the buffer. The engine
// never modifies it.
type Message struct {
	// Envelope describes the message for format writers.
	Envelope Envelope

	r    io.Reader
	size int64

	once sync.Once
	data []byte
	err  error
}

// NewMessage returns a Message read from r. If size is non-negative it is
// the declared length, and reading fails with errors.ErrTruncatedMessage
// unless exactly size bytes are available. A negative size reads to EOF.
func NewMessage(r io.Reader, size int64) *Message {
	return &Message{r: r, size: size}
}

// MessageFromBytes returns a Message over an in-memory payload.
func MessageFromBytes(data []byte) *Message {
	return &Message{r: bytes.NewReader(data), size: int64(len(data))}
}

// DeclaredSize returns the declared length, or -1 if unknown.
func (m *Message) DeclaredSize() int64 {
	if m.size < 0 {
		return -1
	}
	return m.size
}

// Bytes consumes the source and returns the complete payload.
func (m *Message) Bytes() ([]byte, error) {
	m.once.Do(func() {
		m.data, m.err = m.read()
	})
	return m.data, m.err
}

func (m *Message) read() ([]byte, error) {
	if m.r == nil {
		return nil, errors.New(errors.ErrTruncatedMessage, "read message", "", io.ErrUnexpectedEOF)
	}
	if m.size < 0 {
		data, err := io.ReadAll(m.r)
		if err != nil {
			return nil, errors.Filesystem("read message", "", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, m.r, m.size)
	if err == io.EOF {
		return nil, errors.New(errors.ErrTruncatedMessage, "read message", "",
			fmt.Errorf("declared %d bytes, got %d", m.size, n))
	}
	if err != nil {
		return nil, errors.Filesystem("read message", "", err)
	}

	// Anything beyond the declared length is just as wrong as a short read.
	var extra [1]byte
	if k, _ := io.ReadFull(m.r, extra[:]); k > 0 {
		return nil, errors.New(errors.ErrTruncatedMessage, "read message", "",
			fmt.Errorf("declared %d bytes, more available", m.size))
	}

	return buf.Bytes(), nil
}

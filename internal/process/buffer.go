package process

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// buffer collects the output of one stream. notify has a single slot and is
// signalled on every change, so a reader never misses a wakeup.
type buffer struct {
	mx     sync.Mutex
	data   bytes.Buffer
	closed bool
	notify chan struct{}
}

func newBuffer() *buffer {
	return &buffer{notify: make(chan struct{}, 1)}
}

func (b *buffer) readFrom(r io.Reader) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.mx.Lock()
			b.data.Write(chunk[:n])
			b.mx.Unlock()
			b.signal()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (b *buffer) close() {
	b.mx.Lock()
	b.closed = true
	b.mx.Unlock()
	b.signal()
}

func (b *buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// take drains the buffer.
func (b *buffer) take() ([]byte, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.data.Len() == 0 {
		return nil, b.closed
	}
	data := bytes.Clone(b.data.Bytes())
	b.data.Reset()
	return data, b.closed
}

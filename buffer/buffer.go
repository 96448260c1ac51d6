// Package buffer implements the growable byte buffer every StreamHandle and
// UDPHandle reads into and writes out of. It is a direct port of the
// moonnet/muduo-style buffer: two offsets into one contiguous slice, compact
// before grow, and a scatter read that favors one syscall per wakeup over
// many small ones.
package buffer

import "io"

// initialCapacity is the starting allocation; small messages never pay for
// more than this.
const initialCapacity = 1024

// scratchSize is the size of the secondary scatter-read target used to drain
// a burst larger than the buffer's current writable tail in one syscall.
const scratchSize = 64 * 1024

// Buffer is a contiguous byte region with readOff <= writeOff <= cap(buf).
type Buffer struct {
	buf      []byte
	readOff  int
	writeOff int
}

// New returns an empty Buffer with the suggested starting capacity.
func New() *Buffer {
	return &Buffer{buf: make([]byte, initialCapacity)}
}

// Readable returns the number of bytes available to read.
func (b *Buffer) Readable() int { return b.writeOff - b.readOff }

// WritableTail returns the number of bytes that can be appended without
// compacting or growing.
func (b *Buffer) WritableTail() int { return len(b.buf) - b.writeOff }

// Peek returns the first Readable() bytes without consuming them. The
// returned slice aliases the buffer and is invalidated by any mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readOff:b.writeOff] }

// Append copies p onto the tail, growing or compacting as needed.
func (b *Buffer) Append(p []byte) {
	b.ensureWritable(len(p))
	copy(b.buf[b.writeOff:], p)
	b.writeOff += len(p)
}

// RemoveTo copies min(len(p), Readable()) bytes into p, advances the read
// offset, and returns the count copied.
func (b *Buffer) RemoveTo(p []byte) int {
	n := b.Readable()
	if n > len(p) {
		n = len(p)
	}
	copy(p, b.buf[b.readOff:b.readOff+n])
	b.Drop(n)
	return n
}

// RemoveToString copies up to n bytes out as an owned string.
func (b *Buffer) RemoveToString(n int) string {
	if n > b.Readable() {
		n = b.Readable()
	}
	s := string(b.buf[b.readOff : b.readOff+n])
	b.Drop(n)
	return s
}

// RemoveAllToString drains the entire readable region as an owned string.
func (b *Buffer) RemoveAllToString() string {
	return b.RemoveToString(b.Readable())
}

// Drop advances the read offset by min(n, Readable()) without copying.
func (b *Buffer) Drop(n int) {
	if n > b.Readable() {
		n = b.Readable()
	}
	b.readOff += n
	if b.readOff == b.writeOff {
		b.readOff, b.writeOff = 0, 0
	}
}

// ensureWritable compacts in place, then grows, so that n more bytes fit at
// the tail.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableTail() < n && b.readOff > 0 {
		readable := b.Readable()
		copy(b.buf, b.buf[b.readOff:b.writeOff])
		b.readOff = 0
		b.writeOff = readable
	}
	if b.WritableTail() < n {
		grown := make([]byte, b.writeOff+n)
		copy(grown, b.buf[:b.writeOff])
		b.buf = grown
	}
}

// ScatterRead performs one read targeting the buffer's writable tail first
// and a fixed-size scratch region second, so a single syscall drains large
// bursts without resizing the buffer for merely-large-not-huge reads and
// without the caller issuing a second read call.
//
// On n > WritableTail(): the tail is filled completely and the remainder is
// appended (which may grow the buffer). On n <= WritableTail(): the write
// offset simply advances. On n == 0 the peer has closed its write side. On
// error, the error is returned unchanged so the caller can test it against
// syscall.EAGAIN/EWOULDBLOCK.
func (b *Buffer) ScatterRead(fd ReadvFunc) (int, error) {
	tail := b.WritableTail()
	var scratch [scratchSize]byte

	n, err := fd(b.buf[b.writeOff:], scratch[:])
	if err != nil {
		return n, err
	}
	if n <= tail {
		b.writeOff += n
		return n, nil
	}
	b.writeOff = len(b.buf)
	b.Append(scratch[:n-tail])
	return n, nil
}

// ReadvFunc performs the two-range scatter read (readv) that ScatterRead
// needs: read into `tail` first, then `scratch`, returning the total bytes
// read across both ranges. StreamHandle.readv, a unix.Readv over both
// ranges, is the production implementation.
type ReadvFunc func(tail, scratch []byte) (int, error)

// Reset discards all buffered content.
func (b *Buffer) Reset() {
	b.readOff, b.writeOff = 0, 0
}

var _ io.Writer = (*Buffer)(nil)

// Write implements io.Writer by appending, so a Buffer can be used directly
// as an encoding target.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

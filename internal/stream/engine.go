// Package stream implements the non-blocking framed-message state machine
// that drives I/O on one TCP connection (C2). It is a single-owner,
// not-thread-safe engine: the owning loop calls Update repeatedly and the
// engine makes progress or returns zero bytes transferred on a would-block
// condition, never blocking the calling goroutine.
package stream

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"code.hybscloud.com/iox"

	"github.com/crossdev/remotelink/internal/wire"
)

// state is one of the five positions in the engine's state machine.
type state int

const (
	stateComplete state = iota
	stateWriteHeader
	stateWriteData
	stateReadHeader
	stateReadData
)

// pollInterval bounds how long a single read/write attempt blocks the
// underlying net.Conn before being treated as a would-block condition;
// this is how the engine emulates non-blocking I/O on top of a deadline-
// capable net.Conn without requiring the caller to manage raw sockets.
const pollInterval = time.Millisecond

// Engine is one stream engine bound to a single net.Conn. It owns its
// header and data buffers exclusively; it never refers back to the owning
// loop. Not safe for concurrent use.
type Engine struct {
	conn net.Conn

	state state

	// autoArmRead: when a write completes, transition directly to
	// ReadHeader instead of Complete.
	autoArmRead bool

	msgType Tag

	header       [wire.HeaderLength]byte
	headerOffset int

	data       []byte
	dataOffset int
}

// Tag is a re-export of wire.Tag for callers that only import stream.
type Tag = wire.Tag

// New wraps conn with a fresh engine in the Complete state.
func New(conn net.Conn) *Engine {
	return &Engine{conn: conn, state: stateComplete}
}

// BeginWrite serializes msg and arms the engine to write it, valid only
// from Complete. autoArmRead, if true, transitions the engine to
// ReadHeader immediately after the write completes instead of Complete.
// It performs one opportunistic drain attempt and reports whether the
// write finished inline.
func (e *Engine) BeginWrite(msg wire.Message, autoArmRead bool) (finished bool, err error) {
	if e.state != stateComplete {
		return false, errEngineBusy
	}

	tag, payload, err := wire.Encode(msg)
	if err != nil {
		return false, err
	}
	if len(payload) >= wire.MaxFrameLength {
		return false, wire.ErrFrameTooLong
	}

	e.msgType = tag
	e.data = payload
	e.dataOffset = 0
	e.autoArmRead = autoArmRead
	putHeader(&e.header, tag, len(payload))
	e.headerOffset = 0
	e.state = stateWriteHeader

	if _, err = e.Update(); err != nil {
		return false, err
	}
	return e.state == stateComplete || e.state == stateReadHeader, nil
}

// BeginRead arms the engine to read the next incoming frame, valid from
// Complete or ReadHeader (a no-op in the latter case). If doUpdate is
// true it immediately attempts progress and may return a completed
// message.
func (e *Engine) BeginRead(doUpdate bool) (wire.Message, error) {
	if e.state != stateComplete && e.state != stateReadHeader {
		return nil, nil
	}
	if e.state == stateComplete {
		e.headerOffset = 0
		e.dataOffset = 0
		e.state = stateReadHeader
	}
	if !doUpdate {
		return nil, nil
	}
	return e.Update()
}

// Update is the single entry point the owning loop calls repeatedly. It
// progresses whatever state the engine is currently in and returns a
// completed message when a read finishes, nil otherwise.
func (e *Engine) Update() (wire.Message, error) {
	switch e.state {
	case stateWriteHeader:
		if err := e.writeHeader(); err != nil {
			return nil, err
		}
		if e.state == stateWriteData {
			if err := e.writeData(); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case stateWriteData:
		return nil, e.writeData()

	case stateReadHeader:
		if err := e.readHeader(); err != nil {
			return nil, err
		}
		if e.state == stateReadData {
			return e.readData()
		}
		return nil, nil

	case stateReadData:
		return e.readData()

	default: // stateComplete
		return nil, nil
	}
}

func (e *Engine) writeHeader() error {
	n, err := e.writeOnce(e.header[e.headerOffset:])
	e.headerOffset += n
	if err != nil {
		return err
	}
	if e.headerOffset == wire.HeaderLength {
		e.dataOffset = 0
		e.state = stateWriteData
	}
	return nil
}

func (e *Engine) writeData() error {
	n, err := e.writeOnce(e.data[e.dataOffset:])
	e.dataOffset += n
	if err != nil {
		return err
	}
	if e.dataOffset == len(e.data) {
		e.headerOffset = 0
		if e.autoArmRead {
			e.state = stateReadHeader
		} else {
			e.state = stateComplete
		}
	}
	return nil
}

func (e *Engine) readHeader() error {
	n, err := e.readOnce(e.header[e.headerOffset:])
	e.headerOffset += n
	if err != nil {
		return err
	}
	if e.headerOffset == wire.HeaderLength {
		tag, length, err := parseHeader(e.header)
		if err != nil {
			return err
		}
		e.msgType = tag
		e.data = make([]byte, length)
		e.dataOffset = 0
		e.state = stateReadData
	}
	return nil
}

func (e *Engine) readData() (wire.Message, error) {
	n, err := e.readOnce(e.data[e.dataOffset:])
	e.dataOffset += n
	if err != nil {
		return nil, err
	}
	if e.dataOffset != len(e.data) {
		return nil, nil
	}
	e.state = stateComplete
	return wire.Decode(e.msgType, e.data)
}

// readOnce and writeOnce wrap the net.Conn with a short deadline so a
// connection with no data ready surfaces as iox.ErrWouldBlock (zero
// progress, not an error) rather than blocking this goroutine, matching
// the "attempt to read/write N bytes, return bytes-transferred-or-zero on
// no-progress" contract the engine is built against.
func (e *Engine) readOnce(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := e.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return 0, err
	}
	n, err := e.conn.Read(p)
	if err == nil {
		return n, nil
	}
	if isTimeout(err) {
		return n, nil
	}
	if errors.Is(err, iox.ErrWouldBlock) {
		return n, nil
	}
	return n, err
}

func (e *Engine) writeOnce(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := e.conn.SetWriteDeadline(time.Now().Add(pollInterval)); err != nil {
		return 0, err
	}
	n, err := e.conn.Write(p)
	if err == nil {
		return n, nil
	}
	if isTimeout(err) {
		return n, nil
	}
	if errors.Is(err, iox.ErrWouldBlock) {
		return n, nil
	}
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Idle reports whether the engine is in Complete state, i.e. the owning
// loop may sleep before calling Update again.
func (e *Engine) Idle() bool { return e.state == stateComplete }

func putHeader(h *[wire.HeaderLength]byte, tag wire.Tag, length int) {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], uint64(length))
	h[0] = byte(tag)
	copy(h[1:], full[1:])
}

func parseHeader(h [wire.HeaderLength]byte) (wire.Tag, int, error) {
	tag := wire.Tag(h[0])
	if !wire.KnownTag(tag) {
		return 0, 0, wire.ErrUnknownMessageType
	}
	var full [8]byte
	copy(full[1:], h[1:])
	length := binary.BigEndian.Uint64(full[:])
	if length >= wire.MaxFrameLength {
		return 0, 0, wire.ErrFrameTooLong
	}
	return tag, int(length), nil
}

var errEngineBusy = errors.New("stream: engine busy, not in Complete state")

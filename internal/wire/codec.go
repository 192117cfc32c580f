package wire

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes msg into its fixed payload encoding. The returned tag
// is msg.Tag(); callers combine it with len(payload) to build a frame
// header (see putHeader in the stream package's engine.go).
func Encode(msg Message) (Tag, []byte, error) {
	w := newWriter()
	switch m := msg.(type) {
	case HandshakeRequest:
		w.u8(m.Major)
		w.u8(m.Minor)
	case HandshakeReply:
		w.u8(m.Major)
		w.u8(m.Minor)
	case LaunchExecutableRequest:
		w.boolean(m.FileServer)
		w.str(m.Path)
		w.bytes(m.Data)
	case LaunchExecutableReply:
		w.i32(m.LaunchStatus)
		w.boolean(m.HasErrorInfo)
		if m.HasErrorInfo {
			w.str(m.ErrorInfo)
		}
	case StopExecutableRequest:
		w.u32(m.Dummy)
	case StopExecutableReply:
		w.u32(m.Dummy)
	case StdoutOutput:
		w.bytes(m.Data)
	case StderrOutput:
		w.bytes(m.Data)
	case FileOpenRequest:
		w.str(m.Path)
	case FileOpenReply:
		w.u32(m.Handle)
		w.u64(m.Size)
		w.i32(m.Error)
	case FileReadRequest:
		w.u32(m.Handle)
		w.u64(m.Offset)
		w.u32(m.Size)
	case FileReadReply:
		w.bytes(m.Data)
		w.i32(m.Error)
	case FileCloseRequest:
		w.u32(m.Handle)
	case FileCloseReply:
		w.i32(m.Error)
	case FileStatRequest:
		w.str(m.Path)
	case FileStatReply:
		w.u64(m.Size)
		w.i64(m.Mtime)
		w.boolean(m.IsDir)
		w.i32(m.Error)
	case FileReaddirRequest:
		w.str(m.Path)
	case FileReaddirReply:
		w.u32(uint32(len(m.Entries)))
		for _, e := range m.Entries {
			w.str(e.Name)
			w.boolean(e.IsDir)
		}
		w.i32(m.Error)
	case LibraryDataRequest:
		w.str(m.Name)
		w.bytes(m.Data)
	case LibraryDataReply:
		w.i32(m.Error)
	default:
		return 0, nil, fmt.Errorf("wire: encode: %w: %T", ErrUnknownMessageType, msg)
	}
	if w.err != nil {
		return 0, nil, w.err
	}
	return msg.Tag(), w.buf, nil
}

// Decode deserializes payload according to tag into the corresponding
// Message variant. Unknown tags fail with ErrUnknownMessageType.
func Decode(tag Tag, payload []byte) (Message, error) {
	r := newReader(payload)
	var msg Message
	switch tag {
	case TagHandshakeRequest:
		msg = HandshakeRequest{Major: r.u8(), Minor: r.u8()}
	case TagHandshakeReply:
		msg = HandshakeReply{Major: r.u8(), Minor: r.u8()}
	case TagLaunchExecutableRequest:
		fs := r.boolean()
		path := r.str()
		data := r.bytesCopy()
		msg = LaunchExecutableRequest{FileServer: fs, Path: path, Data: data}
	case TagLaunchExecutableReply:
		status := r.i32()
		has := r.boolean()
		var info string
		if has {
			info = r.str()
		}
		msg = LaunchExecutableReply{LaunchStatus: status, HasErrorInfo: has, ErrorInfo: info}
	case TagStopExecutableRequest:
		msg = StopExecutableRequest{Dummy: r.u32()}
	case TagStopExecutableReply:
		msg = StopExecutableReply{Dummy: r.u32()}
	case TagStdoutOutput:
		msg = StdoutOutput{Data: r.bytesCopy()}
	case TagStderrOutput:
		msg = StderrOutput{Data: r.bytesCopy()}
	case TagFileOpenRequest:
		msg = FileOpenRequest{Path: r.str()}
	case TagFileOpenReply:
		msg = FileOpenReply{Handle: r.u32(), Size: r.u64(), Error: r.i32()}
	case TagFileReadRequest:
		msg = FileReadRequest{Handle: r.u32(), Offset: r.u64(), Size: r.u32()}
	case TagFileReadReply:
		data := r.bytesCopy()
		msg = FileReadReply{Data: data, Error: r.i32()}
	case TagFileCloseRequest:
		msg = FileCloseRequest{Handle: r.u32()}
	case TagFileCloseReply:
		msg = FileCloseReply{Error: r.i32()}
	case TagFileStatRequest:
		msg = FileStatRequest{Path: r.str()}
	case TagFileStatReply:
		msg = FileStatReply{Size: r.u64(), Mtime: r.i64(), IsDir: r.boolean(), Error: r.i32()}
	case TagFileReaddirRequest:
		msg = FileReaddirRequest{Path: r.str()}
	case TagFileReaddirReply:
		n := r.u32()
		entries := make([]DirEntry, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			name := r.str()
			isDir := r.boolean()
			entries = append(entries, DirEntry{Name: name, IsDir: isDir})
		}
		msg = FileReaddirReply{Entries: entries, Error: r.i32()}
	case TagLibraryDataRequest:
		name := r.str()
		data := r.bytesCopy()
		msg = LibraryDataRequest{Name: name, Data: data}
	case TagLibraryDataReply:
		msg = LibraryDataReply{Error: r.i32()}
	default:
		return nil, fmt.Errorf("wire: decode tag %d: %w", tag, ErrUnknownMessageType)
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// writer accumulates a payload left to right, fixed-width little-endian,
// with length-prefixed (u32 LE count) byte sequences and UTF-8 strings.
type writer struct {
	buf []byte
	err error
}

func newWriter() *writer { return &writer{buf: make([]byte, 0, 64)} }

func (w *writer) u8(v uint8)  { w.buf = append(w.buf, v) }
func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) i32(v int32) { w.u32(uint32(v)) }
func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (w *writer) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) str(v string) { w.bytes([]byte(v)) }

// reader consumes a payload in the same order writer produced it, setting
// err on the first short-read and thereafter returning zero values.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.buf) {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }
func (r *reader) i64() int64 { return int64(r.u64()) }

// bytesCopy returns a freshly allocated copy so the decoded message does
// not retain a reference into the caller's frame buffer.
func (r *reader) bytesCopy() []byte {
	n := r.u32()
	b := r.need(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) str() string {
	b := r.bytesCopy()
	if b == nil {
		return ""
	}
	return string(b)
}

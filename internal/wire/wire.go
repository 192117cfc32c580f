// Package wire implements the remotelink framed wire protocol: a 1-byte
// type tag, a 7-byte big-endian length, and a fixed-width little-endian
// payload per tag. The format is fixed by protocol version and must be
// bit-exact across independently built Host and Runner binaries.
package wire

import "errors"

// ProtocolVersionMajor and ProtocolVersionMinor identify this build's wire
// protocol version. A major mismatch at handshake is fatal; a minor
// mismatch is a warning only.
const (
	ProtocolVersionMajor = 0
	ProtocolVersionMinor = 1
)

// Tag identifies a message variant on the wire.
type Tag uint8

const (
	TagHandshakeRequest        Tag = 0
	TagHandshakeReply          Tag = 1
	TagLaunchExecutableRequest Tag = 2
	TagLaunchExecutableReply   Tag = 3
	TagStopExecutableRequest   Tag = 4
	TagStopExecutableReply     Tag = 5
	TagStdoutOutput            Tag = 6
	TagStderrOutput            Tag = 7
	tagReserved8               Tag = 8
	TagFileOpenRequest         Tag = 9
	TagFileOpenReply           Tag = 10
	TagFileReadRequest         Tag = 11
	TagFileReadReply           Tag = 12
	TagFileCloseRequest        Tag = 13
	TagFileCloseReply          Tag = 14
	TagFileStatRequest         Tag = 15
	TagFileStatReply           Tag = 16
	TagFileReaddirRequest      Tag = 17
	TagFileReaddirReply        Tag = 18
	TagLibraryDataRequest      Tag = 19
	TagLibraryDataReply        Tag = 20
)

// MaxFrameLength is 2^48, one more than the largest payload length the
// 7-byte big-endian length field can represent (2^48 - 1); lengths at or
// above this are rejected as a protocol violation.
const MaxFrameLength = 1 << 48

// MaxReadSize is the upper bound on a single FileReadRequest's requested
// byte count.
const MaxReadSize = 4 * 1024 * 1024

// HeaderLength is the fixed size, in bytes, of a frame header: one type
// tag byte followed by a 7-byte big-endian length.
const HeaderLength = 8

var (
	// ErrUnknownMessageType is returned by Decode when the tag is not one
	// of the known variants.
	ErrUnknownMessageType = errors.New("wire: unknown message type")

	// ErrFrameTooLong is returned when a frame's length field is >=
	// MaxFrameLength.
	ErrFrameTooLong = errors.New("wire: frame length exceeds maximum")

	// ErrVersionMismatch is returned by handshake validation on a major
	// version mismatch.
	ErrVersionMismatch = errors.New("wire: protocol major version mismatch")

	// ErrTruncated is returned by Decode when fewer bytes are supplied
	// than the variant requires.
	ErrTruncated = errors.New("wire: truncated payload")

	// ErrUnexpectedReply is returned by file-service client calls that
	// receive a reply of a tag other than the one expected.
	ErrUnexpectedReply = errors.New("wire: unexpected reply tag")
)

// knownTags is the exhaustive set accepted by Decode; mapping tag to
// variant MUST be exhaustive and reject unknowns per the protocol design.
var knownTags = map[Tag]bool{
	TagHandshakeRequest:        true,
	TagHandshakeReply:          true,
	TagLaunchExecutableRequest: true,
	TagLaunchExecutableReply:   true,
	TagStopExecutableRequest:   true,
	TagStopExecutableReply:     true,
	TagStdoutOutput:            true,
	TagStderrOutput:            true,
	TagFileOpenRequest:         true,
	TagFileOpenReply:           true,
	TagFileReadRequest:         true,
	TagFileReadReply:           true,
	TagFileCloseRequest:        true,
	TagFileCloseReply:          true,
	TagFileStatRequest:         true,
	TagFileStatReply:           true,
	TagFileReaddirRequest:      true,
	TagFileReaddirReply:        true,
	TagLibraryDataRequest:      true,
	TagLibraryDataReply:        true,
}

// KnownTag reports whether tag is a recognized, non-reserved message type.
func KnownTag(tag Tag) bool {
	return knownTags[tag]
}

package wire

// Message is implemented by every wire message variant. Tag identifies the
// variant for framing purposes; the payload schema is fixed per tag.
type Message interface {
	Tag() Tag
}

// DirEntry is one entry of a FileReaddirReply.
type DirEntry struct {
	Name  string
	IsDir bool
}

type HandshakeRequest struct {
	Major uint8
	Minor uint8
}

func (HandshakeRequest) Tag() Tag { return TagHandshakeRequest }

type HandshakeReply struct {
	Major uint8
	Minor uint8
}

func (HandshakeReply) Tag() Tag { return TagHandshakeReply }

type LaunchExecutableRequest struct {
	FileServer bool
	Path       string
	Data       []byte
}

func (LaunchExecutableRequest) Tag() Tag { return TagLaunchExecutableRequest }

type LaunchExecutableReply struct {
	LaunchStatus int32
	// ErrorInfo is empty when absent; the wire encoding carries an
	// explicit presence flag (see §6: "optional length-prefixed str").
	HasErrorInfo bool
	ErrorInfo    string
}

func (LaunchExecutableReply) Tag() Tag { return TagLaunchExecutableReply }

type StopExecutableRequest struct {
	Dummy uint32
}

func (StopExecutableRequest) Tag() Tag { return TagStopExecutableRequest }

type StopExecutableReply struct {
	Dummy uint32
}

func (StopExecutableReply) Tag() Tag { return TagStopExecutableReply }

type StdoutOutput struct {
	Data []byte
}

func (StdoutOutput) Tag() Tag { return TagStdoutOutput }

type StderrOutput struct {
	Data []byte
}

func (StderrOutput) Tag() Tag { return TagStderrOutput }

type FileOpenRequest struct {
	Path string
}

func (FileOpenRequest) Tag() Tag { return TagFileOpenRequest }

type FileOpenReply struct {
	Handle uint32
	Size   uint64
	Error  int32
}

func (FileOpenReply) Tag() Tag { return TagFileOpenReply }

type FileReadRequest struct {
	Handle uint32
	Offset uint64
	Size   uint32
}

func (FileReadRequest) Tag() Tag { return TagFileReadRequest }

type FileReadReply struct {
	Data  []byte
	Error int32
}

func (FileReadReply) Tag() Tag { return TagFileReadReply }

type FileCloseRequest struct {
	Handle uint32
}

func (FileCloseRequest) Tag() Tag { return TagFileCloseRequest }

type FileCloseReply struct {
	Error int32
}

func (FileCloseReply) Tag() Tag { return TagFileCloseReply }

type FileStatRequest struct {
	Path string
}

func (FileStatRequest) Tag() Tag { return TagFileStatRequest }

type FileStatReply struct {
	Size  uint64
	Mtime int64
	IsDir bool
	Error int32
}

func (FileStatReply) Tag() Tag { return TagFileStatReply }

type FileReaddirRequest struct {
	Path string
}

func (FileReaddirRequest) Tag() Tag { return TagFileReaddirRequest }

type FileReaddirReply struct {
	Entries []DirEntry
	Error   int32
}

func (FileReaddirReply) Tag() Tag { return TagFileReaddirReply }

type LibraryDataRequest struct {
	Name string
	Data []byte
}

func (LibraryDataRequest) Tag() Tag { return TagLibraryDataRequest }

type LibraryDataReply struct {
	Error int32
}

func (LibraryDataReply) Tag() Tag { return TagLibraryDataReply }

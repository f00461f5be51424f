package protocol

import "fmt"

// Type identifies the body carried by a frame.
type Type uint32

// Message type constants for protocol frames.
const (
	TypeHello Type = iota + 1
	TypeHelloAck
	TypeGetConfig
	TypeConfig
	TypeSavePart
	TypeAck
	TypeFinalize
	TypeMedia
	TypeLocate
	TypeGetFile
	TypeFilePart
	TypeRedirect
	TypeGetCdnFile
	TypeCdnPart
	TypeError
)

var typeNames = map[Type]string{
	TypeHello:      "hello",
	TypeHelloAck:   "hello_ack",
	TypeGetConfig:  "get_config",
	TypeConfig:     "config",
	TypeSavePart:   "save_part",
	TypeAck:        "ack",
	TypeFinalize:   "finalize",
	TypeMedia:      "media",
	TypeLocate:     "locate",
	TypeGetFile:    "get_file",
	TypeFilePart:   "file_part",
	TypeRedirect:   "redirect",
	TypeGetCdnFile: "get_cdn_file",
	TypeCdnPart:    "cdn_part",
	TypeError:      "error",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Error codes carried by RPCError.
const (
	CodeTokenExhausted      = "TOKEN_EXHAUSTED"
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodeMigrate             = "MIGRATE"
	CodeAuthKeyUnregistered = "AUTH_KEY_UNREGISTERED"
	CodePartMissing         = "PART_MISSING"
	CodeChecksumInvalid     = "CHECKSUM_INVALID"
	CodeBadRequest          = "BAD_REQUEST"
	CodeInternal            = "INTERNAL"
)

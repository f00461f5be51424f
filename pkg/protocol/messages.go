package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a frame body. Every request and response implements it.
type Message interface {
	Type() Type
	appendBody(b []byte) []byte
	decodeBody(b []byte) error
}

// Hello opens a channel. AuthKeyID names a previously negotiated key the
// client wants to resume; it is empty for a fresh handshake.
type Hello struct {
	DCID      int
	AuthKeyID []byte
	Nonce     []byte
}

func (*Hello) Type() Type { return TypeHello }

func (m *Hello) appendBody(b []byte) []byte {
	b = appendInt(b, 1, int64(m.DCID))
	b = appendBytes(b, 2, m.AuthKeyID)
	return appendBytes(b, 3, m.Nonce)
}

func (m *Hello) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.DCID = f.int()
		case 2:
			m.AuthKeyID = f.bytes
		case 3:
			m.Nonce = f.bytes
		}
		return nil
	})
}

// HelloAck accepts a Hello. Resumed reports that the server recognised the
// offered auth key.
type HelloAck struct {
	Nonce   []byte
	Resumed bool
}

func (*HelloAck) Type() Type { return TypeHelloAck }

func (m *HelloAck) appendBody(b []byte) []byte {
	b = appendBytes(b, 1, m.Nonce)
	return appendBool(b, 2, m.Resumed)
}

func (m *HelloAck) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Nonce = f.bytes
		case 2:
			m.Resumed = f.bool()
		}
		return nil
	})
}

// GetConfig asks the datacenter for its list of known datacenters.
type GetConfig struct{}

func (*GetConfig) Type() Type                 { return TypeGetConfig }
func (*GetConfig) appendBody(b []byte) []byte { return b }
func (*GetConfig) decodeBody([]byte) error    { return nil }

// DCOption is one datacenter address advertised by Config.
type DCOption struct {
	ID   int
	Host string
	Port int
	CDN  bool
}

func (o DCOption) appendBody(b []byte) []byte {
	b = appendInt(b, 1, int64(o.ID))
	b = appendString(b, 2, o.Host)
	b = appendInt(b, 3, int64(o.Port))
	return appendBool(b, 4, o.CDN)
}

// Config lists datacenter addresses.
type Config struct {
	DCs []DCOption
}

func (*Config) Type() Type { return TypeConfig }

func (m *Config) appendBody(b []byte) []byte {
	for _, o := range m.DCs {
		b = appendMessage(b, 1, o.appendBody(nil))
	}
	return b
}

func (m *Config) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		var o DCOption
		err := decodeFields(f.bytes, func(num protowire.Number, f field) error {
			switch num {
			case 1:
				o.ID = f.int()
			case 2:
				o.Host = f.str()
			case 3:
				o.Port = f.int()
			case 4:
				o.CDN = f.bool()
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.DCs = append(m.DCs, o)
		return nil
	})
}

// SavePart uploads one part of a file. Parts are idempotent: re-sending the
// same index replaces the stored bytes.
type SavePart struct {
	FileID string
	Part   int
	Bytes  []byte
}

func (*SavePart) Type() Type { return TypeSavePart }

func (m *SavePart) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.FileID)
	b = appendInt(b, 2, int64(m.Part))
	return appendBytes(b, 3, m.Bytes)
}

func (m *SavePart) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.FileID = f.str()
		case 2:
			m.Part = f.int()
		case 3:
			m.Bytes = f.bytes
		}
		return nil
	})
}

// Ack acknowledges a request that carries no result.
type Ack struct{}

func (*Ack) Type() Type                 { return TypeAck }
func (*Ack) appendBody(b []byte) []byte { return b }
func (*Ack) decodeBody([]byte) error    { return nil }

// Finalize assembles uploaded parts into a stored media object.
type Finalize struct {
	FileID string
	Parts  int
	Size   int64
	SHA256 []byte
}

func (*Finalize) Type() Type { return TypeFinalize }

func (m *Finalize) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.FileID)
	b = appendInt(b, 2, int64(m.Parts))
	b = appendInt(b, 3, m.Size)
	return appendBytes(b, 4, m.SHA256)
}

func (m *Finalize) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.FileID = f.str()
		case 2:
			m.Parts = f.int()
		case 3:
			m.Size = f.int64()
		case 4:
			m.SHA256 = f.bytes
		}
		return nil
	})
}

// Media describes a stored file.
type Media struct {
	Ref    string
	DCID   int
	Size   int64
	SHA256 []byte
}

func (*Media) Type() Type { return TypeMedia }

func (m *Media) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.Ref)
	b = appendInt(b, 2, int64(m.DCID))
	b = appendInt(b, 3, m.Size)
	return appendBytes(b, 4, m.SHA256)
}

func (m *Media) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Ref = f.str()
		case 2:
			m.DCID = f.int()
		case 3:
			m.Size = f.int64()
		case 4:
			m.SHA256 = f.bytes
		}
		return nil
	})
}

// Locate looks up a stored file by reference.
type Locate struct {
	Ref string
}

func (*Locate) Type() Type { return TypeLocate }

func (m *Locate) appendBody(b []byte) []byte { return appendString(b, 1, m.Ref) }

func (m *Locate) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		if num == 1 {
			m.Ref = f.str()
		}
		return nil
	})
}

// GetFile requests Limit bytes of a stored file starting at Offset.
// The answer is a FilePart or a Redirect.
type GetFile struct {
	Ref    string
	Offset int64
	Limit  int
}

func (*GetFile) Type() Type { return TypeGetFile }

func (m *GetFile) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.Ref)
	b = appendInt(b, 2, m.Offset)
	return appendInt(b, 3, int64(m.Limit))
}

func (m *GetFile) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Ref = f.str()
		case 2:
			m.Offset = f.int64()
		case 3:
			m.Limit = f.int()
		}
		return nil
	})
}

// FilePart carries plaintext file bytes.
type FilePart struct {
	Bytes []byte
	Last  bool
}

func (*FilePart) Type() Type { return TypeFilePart }

func (m *FilePart) appendBody(b []byte) []byte {
	b = appendBytes(b, 1, m.Bytes)
	return appendBool(b, 2, m.Last)
}

func (m *FilePart) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Bytes = f.bytes
		case 2:
			m.Last = f.bool()
		}
		return nil
	})
}

// PartHash is the SHA-256 of the plaintext range [Offset, Offset+Limit).
type PartHash struct {
	Offset int64
	Limit  int
	Hash   []byte
}

// Redirect tells the client to fetch the file from a CDN datacenter.
type Redirect struct {
	DCID       int
	FileToken  []byte
	Key        []byte
	IV         []byte
	FileHash   []byte
	PartHashes []PartHash
}

func (*Redirect) Type() Type { return TypeRedirect }

func (m *Redirect) appendBody(b []byte) []byte {
	b = appendInt(b, 1, int64(m.DCID))
	b = appendBytes(b, 2, m.FileToken)
	b = appendBytes(b, 3, m.Key)
	b = appendBytes(b, 4, m.IV)
	b = appendBytes(b, 5, m.FileHash)
	for _, h := range m.PartHashes {
		var nb []byte
		nb = appendInt(nb, 1, h.Offset)
		nb = appendInt(nb, 2, int64(h.Limit))
		nb = appendBytes(nb, 3, h.Hash)
		b = appendMessage(b, 6, nb)
	}
	return b
}

func (m *Redirect) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.DCID = f.int()
		case 2:
			m.FileToken = f.bytes
		case 3:
			m.Key = f.bytes
		case 4:
			m.IV = f.bytes
		case 5:
			m.FileHash = f.bytes
		case 6:
			var h PartHash
			err := decodeFields(f.bytes, func(num protowire.Number, f field) error {
				switch num {
				case 1:
					h.Offset = f.int64()
				case 2:
					h.Limit = f.int()
				case 3:
					h.Hash = f.bytes
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.PartHashes = append(m.PartHashes, h)
		}
		return nil
	})
}

// GetCdnFile requests encrypted bytes from a CDN datacenter.
type GetCdnFile struct {
	FileToken []byte
	Offset    int64
	Limit     int
}

func (*GetCdnFile) Type() Type { return TypeGetCdnFile }

func (m *GetCdnFile) appendBody(b []byte) []byte {
	b = appendBytes(b, 1, m.FileToken)
	b = appendInt(b, 2, m.Offset)
	return appendInt(b, 3, int64(m.Limit))
}

func (m *GetCdnFile) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.FileToken = f.bytes
		case 2:
			m.Offset = f.int64()
		case 3:
			m.Limit = f.int()
		}
		return nil
	})
}

// CdnPart carries ciphertext produced with the redirect's key material.
type CdnPart struct {
	Bytes []byte
	Last  bool
}

func (*CdnPart) Type() Type { return TypeCdnPart }

func (m *CdnPart) appendBody(b []byte) []byte {
	b = appendBytes(b, 1, m.Bytes)
	return appendBool(b, 2, m.Last)
}

func (m *CdnPart) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Bytes = f.bytes
		case 2:
			m.Last = f.bool()
		}
		return nil
	})
}

// RPCError is a failed response. DCID is set for CodeMigrate.
type RPCError struct {
	Code    string
	Message string
	DCID    int
}

func (*RPCError) Type() Type { return TypeError }

func (e *RPCError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RPCError) appendBody(b []byte) []byte {
	b = appendString(b, 1, e.Code)
	b = appendString(b, 2, e.Message)
	return appendInt(b, 3, int64(e.DCID))
}

func (e *RPCError) decodeBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			e.Code = f.str()
		case 2:
			e.Message = f.str()
		case 3:
			e.DCID = f.int()
		}
		return nil
	})
}

// Errorf builds an RPCError with a formatted message.
func Errorf(code, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeHello:
		return &Hello{}, nil
	case TypeHelloAck:
		return &HelloAck{}, nil
	case TypeGetConfig:
		return &GetConfig{}, nil
	case TypeConfig:
		return &Config{}, nil
	case TypeSavePart:
		return &SavePart{}, nil
	case TypeAck:
		return &Ack{}, nil
	case TypeFinalize:
		return &Finalize{}, nil
	case TypeMedia:
		return &Media{}, nil
	case TypeLocate:
		return &Locate{}, nil
	case TypeGetFile:
		return &GetFile{}, nil
	case TypeFilePart:
		return &FilePart{}, nil
	case TypeRedirect:
		return &Redirect{}, nil
	case TypeGetCdnFile:
		return &GetCdnFile{}, nil
	case TypeCdnPart:
		return &CdnPart{}, nil
	case TypeError:
		return &RPCError{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint32(t))
	}
}

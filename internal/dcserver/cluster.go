package dcserver

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/dcxfer/internal/cdn"
	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

// MaxPartSize is the largest part a client may upload in one SavePart.
const MaxPartSize = 512 * 1024

// maxPartHashes bounds how many part hashes a Redirect carries so it stays
// well inside one frame.
const maxPartHashes = 1024

// RedirectPolicy decides when a stored file is served through its CDN
// datacenter instead of directly.
type RedirectPolicy int

const (
	// RedirectNever serves every file directly.
	RedirectNever RedirectPolicy = iota
	// RedirectAlways redirects every download.
	RedirectAlways
	// RedirectAfterFirst serves the first download directly and redirects
	// from the second download on.
	RedirectAfterFirst
)

// ParseRedirectPolicy accepts "never", "always" or "after-first".
func ParseRedirectPolicy(s string) (RedirectPolicy, error) {
	switch s {
	case "never", "":
		return RedirectNever, nil
	case "always":
		return RedirectAlways, nil
	case "after-first":
		return RedirectAfterFirst, nil
	default:
		return 0, fmt.Errorf("unknown redirect policy %q", s)
	}
}

type storedFile struct {
	ref    string
	home   int
	data   []byte
	sum    [sha256.Size]byte
	starts int // downloads begun, counted by requests at offset 0
	cdn    bool
}

type fileToken struct {
	ref     string
	dcID    int
	cipher  *cdn.Cipher
	expires time.Time
	spent   map[int64]bool
}

// Cluster is the storage shared by a set of reference datacenters: uploads
// in progress, finalized files, and CDN file tokens.
type Cluster struct {
	mu       sync.Mutex
	options  []protocol.DCOption
	uploads  map[string]map[int][]byte
	files    map[string]*storedFile
	tokens   map[string]*fileToken
	policy   RedirectPolicy
	cdnDC    int
	tokenTTL time.Duration
	now      func() time.Time
}

// NewCluster creates empty storage advertising the given datacenters.
// Files are redirected to the first CDN datacenter among them, according
// to policy.
func NewCluster(policy RedirectPolicy, dcs ...dc.Option) *Cluster {
	c := &Cluster{
		uploads:  make(map[string]map[int][]byte),
		files:    make(map[string]*storedFile),
		tokens:   make(map[string]*fileToken),
		policy:   policy,
		tokenTTL: 10 * time.Minute,
		now:      time.Now,
	}
	for _, o := range dcs {
		c.options = append(c.options, protocol.DCOption{ID: o.ID, Host: o.Host, Port: o.Port, CDN: o.CDN})
		if o.CDN && c.cdnDC == 0 {
			c.cdnDC = o.ID
		}
	}
	return c
}

// Options returns the advertised datacenters.
func (c *Cluster) Options() []protocol.DCOption {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.DCOption(nil), c.options...)
}

// Corrupt flips one stored byte of ref, for exercising integrity failures.
func (c *Cluster) Corrupt(ref string, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[ref]
	if !ok || offset < 0 || offset >= int64(len(f.data)) {
		return fmt.Errorf("cannot corrupt %q at %d", ref, offset)
	}
	f.data[offset] ^= 0xff
	return nil
}

func (c *Cluster) savePart(m *protocol.SavePart) protocol.Message {
	if m.FileID == "" || m.Part < 0 {
		return protocol.Errorf(protocol.CodeBadRequest, "invalid part %d of %q", m.Part, m.FileID)
	}
	if len(m.Bytes) > MaxPartSize {
		return protocol.Errorf(protocol.CodeBadRequest, "part of %d bytes exceeds %d", len(m.Bytes), MaxPartSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	parts := c.uploads[m.FileID]
	if parts == nil {
		parts = make(map[int][]byte)
		c.uploads[m.FileID] = parts
	}
	parts[m.Part] = bytes.Clone(m.Bytes)
	return &protocol.Ack{}
}

func (c *Cluster) finalize(dcID int, m *protocol.Finalize) protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := c.uploads[m.FileID]
	if m.Parts < 0 || m.Size < 0 {
		return protocol.Errorf(protocol.CodeBadRequest, "invalid finalize of %q", m.FileID)
	}
	data := make([]byte, 0, m.Size)
	for i := 0; i < m.Parts; i++ {
		p, ok := parts[i]
		if !ok {
			return protocol.Errorf(protocol.CodePartMissing, "part %d of %q", i, m.FileID)
		}
		data = append(data, p...)
	}
	if int64(len(data)) != m.Size {
		return protocol.Errorf(protocol.CodeBadRequest, "assembled %d bytes, declared %d", len(data), m.Size)
	}
	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], m.SHA256) {
		return protocol.Errorf(protocol.CodeChecksumInvalid, "file %q", m.FileID)
	}
	delete(c.uploads, m.FileID)

	f := &storedFile{
		ref:  uuid.NewString(),
		home: dcID,
		data: data,
		sum:  sum,
		cdn:  c.policy == RedirectAlways && c.cdnDC != 0,
	}
	c.files[f.ref] = f
	return f.media()
}

func (f *storedFile) media() *protocol.Media {
	return &protocol.Media{Ref: f.ref, DCID: f.home, Size: int64(len(f.data)), SHA256: bytes.Clone(f.sum[:])}
}

func (c *Cluster) locate(dcID int, m *protocol.Locate) protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[m.Ref]
	if !ok {
		return protocol.Errorf(protocol.CodeFileNotFound, "%s", m.Ref)
	}
	if f.home != dcID {
		return &protocol.RPCError{Code: protocol.CodeMigrate, Message: "file stored elsewhere", DCID: f.home}
	}
	return f.media()
}

func (c *Cluster) getFile(dcID int, m *protocol.GetFile) protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[m.Ref]
	if !ok {
		return protocol.Errorf(protocol.CodeFileNotFound, "%s", m.Ref)
	}
	if f.home != dcID {
		return &protocol.RPCError{Code: protocol.CodeMigrate, Message: "file stored elsewhere", DCID: f.home}
	}
	size := int64(len(f.data))
	if m.Offset < 0 || m.Limit <= 0 || m.Limit > MaxPartSize || m.Offset > size {
		return protocol.Errorf(protocol.CodeBadRequest, "range %d+%d of %d", m.Offset, m.Limit, size)
	}

	if m.Offset == 0 {
		f.starts++
		if c.policy == RedirectAfterFirst && f.starts > 1 && c.cdnDC != 0 {
			f.cdn = true
		}
	}
	if f.cdn {
		redirect, err := c.issueTokenLocked(f, m.Limit)
		if err != nil {
			return protocol.Errorf(protocol.CodeInternal, "issue token: %v", err)
		}
		return redirect
	}

	end := min(m.Offset+int64(m.Limit), size)
	return &protocol.FilePart{Bytes: bytes.Clone(f.data[m.Offset:end]), Last: end == size}
}

func (c *Cluster) issueTokenLocked(f *storedFile, limit int) (*protocol.Redirect, error) {
	secret := make([]byte, 16+cdn.KeySize+cdn.IVSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	token, key, iv := secret[:16], secret[16:16+cdn.KeySize], secret[16+cdn.KeySize:]
	ciph, err := cdn.NewCipher(key, iv)
	if err != nil {
		return nil, err
	}

	c.tokens[hex.EncodeToString(token)] = &fileToken{
		ref:     f.ref,
		dcID:    c.cdnDC,
		cipher:  ciph,
		expires: c.now().Add(c.tokenTTL),
		spent:   make(map[int64]bool),
	}

	size := int64(len(f.data))
	var hashes []protocol.PartHash
	if (size+int64(limit)-1)/int64(limit) <= maxPartHashes {
		for off := int64(0); off < size; off += int64(limit) {
			end := min(off+int64(limit), size)
			sum := sha256.Sum256(f.data[off:end])
			hashes = append(hashes, protocol.PartHash{Offset: off, Limit: int(end - off), Hash: sum[:]})
		}
	}
	return &protocol.Redirect{
		DCID:       c.cdnDC,
		FileToken:  token,
		Key:        key,
		IV:         iv,
		FileHash:   bytes.Clone(f.sum[:]),
		PartHashes: hashes,
	}, nil
}

func (c *Cluster) getCdnFile(dcID int, m *protocol.GetCdnFile) protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tokens[hex.EncodeToString(m.FileToken)]
	if !ok || t.dcID != dcID {
		return protocol.Errorf(protocol.CodeBadRequest, "unknown file token")
	}
	if c.now().After(t.expires) {
		delete(c.tokens, hex.EncodeToString(m.FileToken))
		return protocol.Errorf(protocol.CodeTokenExhausted, "token expired")
	}
	if t.spent[m.Offset] {
		return protocol.Errorf(protocol.CodeTokenExhausted, "offset %d already served", m.Offset)
	}
	f, ok := c.files[t.ref]
	if !ok {
		return protocol.Errorf(protocol.CodeFileNotFound, "%s", t.ref)
	}
	size := int64(len(f.data))
	if m.Offset < 0 || m.Offset%16 != 0 || m.Limit <= 0 || m.Limit > MaxPartSize || m.Offset > size {
		return protocol.Errorf(protocol.CodeBadRequest, "range %d+%d of %d", m.Offset, m.Limit, size)
	}
	t.spent[m.Offset] = true

	end := min(m.Offset+int64(m.Limit), size)
	out := make([]byte, end-m.Offset)
	if err := t.cipher.XORKeyStream(out, f.data[m.Offset:end], m.Offset); err != nil {
		return protocol.Errorf(protocol.CodeInternal, "%v", err)
	}
	return &protocol.CdnPart{Bytes: out, Last: end == size}
}

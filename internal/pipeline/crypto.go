package pipeline

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length for the encrypt stage.
const KeySize = chacha20poly1305.KeySize

// cryptChunkSize is the plaintext length of one sealed frame.
const cryptChunkSize = 64 * 1024

// ErrTruncatedStream is returned when an encrypted stream ends before its
// terminating frame. Truncation must fail loudly, never look like EOF.
var ErrTruncatedStream = errors.New("encrypted stream truncated before final frame")

// KeyRef is a handle to symmetric key material. The material itself is
// unexported so stage descriptors, logs, and encoders only ever see the
// short identifier derived from it.
type KeyRef struct {
	id       string
	material []byte
}

// KeySource generates fresh symmetric keys. One key per transfer; keys are
// never reused across transfers.
type KeySource interface {
	NewKey() (KeyRef, error)
}

// EphemeralKeySource draws keys from crypto/rand.
type EphemeralKeySource struct{}

func (EphemeralKeySource) NewKey() (KeyRef, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return KeyRef{}, fmt.Errorf("read random key: %w", err)
	}
	return newKeyRef(material), nil
}

func newKeyRef(material []byte) KeyRef {
	sum := blake3.Sum256(material)
	return KeyRef{
		id:       hex.EncodeToString(sum[:4]),
		material: material,
	}
}

// KeyFromHex reconstructs a KeyRef from its hex hand-off form. Both ends
// derive the same identifier from the material.
func KeyFromHex(s string) (KeyRef, error) {
	material, err := hex.DecodeString(s)
	if err != nil {
		return KeyRef{}, fmt.Errorf("decode key: %w", err)
	}
	if len(material) != KeySize {
		return KeyRef{}, fmt.Errorf("key is %d bytes, want %d", len(material), KeySize)
	}
	return newKeyRef(material), nil
}

// ID returns the short key identifier.
func (k KeyRef) ID() string { return k.id }

// Valid reports whether the handle holds usable key material.
func (k KeyRef) Valid() bool { return len(k.material) == KeySize }

// String never includes the material.
func (k KeyRef) String() string {
	if k.id == "" {
		return "key:none"
	}
	return "key:" + k.id
}

// Hex exposes the raw material for the out-of-band hand-off to the receiver
// over the authenticated control channel. It must never reach the data
// pipeline, logs, or persisted state.
func (k KeyRef) Hex() string { return hex.EncodeToString(k.material) }

// sealWriter frames plaintext into length-prefixed ChaCha20-Poly1305 chunks:
// [4-byte ciphertext length][ciphertext]. A zero-length frame terminates the
// stream so truncation is detectable. Nonces are a big-endian frame counter.
type sealWriter struct {
	w    io.Writer
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
	}
	buf    []byte
	n      int
	seq    uint64
	closed bool
}

func newSealWriter(w io.Writer, key KeyRef) (*sealWriter, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("encrypt stage: %s has no material", key)
	}
	aead, err := chacha20poly1305.New(key.material)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &sealWriter{
		w:    w,
		aead: aead,
		buf:  make([]byte, cryptChunkSize),
	}, nil
}

func (s *sealWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		c := copy(s.buf[s.n:], p)
		s.n += c
		p = p[c:]
		total += c
		if s.n == len(s.buf) {
			if err := s.flushFrame(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (s *sealWriter) flushFrame() error {
	nonce := s.nonce()
	ct := s.aead.Seal(nil, nonce, s.buf[:s.n], nil)
	s.n = 0

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ct)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := s.w.Write(ct); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close flushes the final partial frame and writes the terminator.
func (s *sealWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.n > 0 {
		if err := s.flushFrame(); err != nil {
			return err
		}
	}
	var term [4]byte
	if _, err := s.w.Write(term[:]); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

func (s *sealWriter) nonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], s.seq)
	s.seq++
	return nonce
}

// openReader is the inverse of sealWriter. A wrong key, reordered frames,
// or a stream cut before the terminator all surface as errors rather than
// silently corrupt output.
type openReader struct {
	r    io.Reader
	aead interface {
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	plain []byte
	off   int
	seq   uint64
	done  bool
}

func newOpenReader(r io.Reader, key KeyRef) (*openReader, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("decrypt stage: %s has no material", key)
	}
	aead, err := chacha20poly1305.New(key.material)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &openReader{r: r, aead: aead}, nil
}

func (o *openReader) Read(p []byte) (int, error) {
	for o.off >= len(o.plain) {
		if o.done {
			return 0, io.EOF
		}
		if err := o.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.plain[o.off:])
	o.off += n
	return n, nil
}

func (o *openReader) readFrame() error {
	var hdr [4]byte
	if _, err := io.ReadFull(o.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncatedStream
		}
		return fmt.Errorf("read frame header: %w", err)
	}

	ctLen := binary.BigEndian.Uint32(hdr[:])
	if ctLen == 0 {
		o.done = true
		return nil
	}
	if ctLen > cryptChunkSize+64 {
		return fmt.Errorf("encrypted frame of %d bytes exceeds chunk size", ctLen)
	}

	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(o.r, ct); err != nil {
		return ErrTruncatedStream
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], o.seq)

	plain, err := o.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return fmt.Errorf("decrypt frame %d: %w", o.seq, err)
	}
	o.seq++
	o.plain = plain
	o.off = 0
	return nil
}

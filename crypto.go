package main

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	streamMagic      = "DISKDUP" // 7 bytes
	streamVersion    = uint8(1)
	defaultChunkSize = 1024 * 1024
	saltSize         = 32
	nonceSize        = 12 // ChaCha20-Poly1305 nonce size
	headerSize       = 7 + 1 + 4 + 4 + 1 + 4 + saltSize + nonceSize
	maxChunkSize     = 8 * 1024 * 1024
)

// KDFParams are the Argon2id parameters used to derive the stream key
// from the operator passphrase.
type KDFParams struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
	KeyLen      uint32
}

// DefaultKDFParams returns the production Argon2id parameters
func DefaultKDFParams() KDFParams {
	return KDFParams{
		TimeCost:    4,
		MemoryKiB:   256 * 1024, // 256 MiB
		Parallelism: 4,
		KeyLen:      32,
	}
}

func (p KDFParams) validate() error {
	if p.TimeCost < 1 || p.TimeCost > 10 {
		return fmt.Errorf("argon2 time cost out of bounds: %d", p.TimeCost)
	}
	if p.MemoryKiB < 8*1024 || p.MemoryKiB > 1024*1024 {
		return fmt.Errorf("argon2 memory out of bounds: %d KiB", p.MemoryKiB)
	}
	if p.Parallelism < 1 || p.Parallelism > 8 {
		return fmt.Errorf("argon2 parallelism out of bounds: %d", p.Parallelism)
	}
	if p.KeyLen != chacha20poly1305.KeySize {
		return fmt.Errorf("unsupported key length: %d", p.KeyLen)
	}
	return nil
}

// StreamHeader is serialized exactly in field order, little-endian
// integers. Its encoded bytes are the AAD prefix of every chunk, so the
// KDF parameters and salt cannot be tampered with undetected.
type StreamHeader struct {
	Magic     [7]byte
	Version   uint8
	TimeCost  uint32
	MemoryKiB uint32
	Parallel  uint8
	ChunkSize uint32
	Salt      [saltSize]byte
	BaseNonce [nonceSize]byte
}

func encodeStreamHeader(h *StreamHeader) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(headerSize)
	buf.Write(h.Magic[:])
	buf.WriteByte(h.Version)
	_ = binary.Write(buf, binary.LittleEndian, h.TimeCost)
	_ = binary.Write(buf, binary.LittleEndian, h.MemoryKiB)
	buf.WriteByte(h.Parallel)
	_ = binary.Write(buf, binary.LittleEndian, h.ChunkSize)
	buf.Write(h.Salt[:])
	buf.Write(h.BaseNonce[:])
	return buf.Bytes()
}

func decodeStreamHeader(r io.Reader) (*StreamHeader, []byte, error) {
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("failed reading stream header: %w", err)
	}
	br := bytes.NewReader(headerBytes)

	h := &StreamHeader{}
	if _, err := io.ReadFull(br, h.Magic[:]); err != nil {
		return nil, nil, err
	}
	var expected [7]byte
	copy(expected[:], streamMagic)
	if subtle.ConstantTimeCompare(h.Magic[:], expected[:]) != 1 {
		return nil, nil, errors.New("invalid stream header (magic mismatch)")
	}
	v, err := br.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	h.Version = v
	if h.Version != streamVersion {
		return nil, nil, fmt.Errorf("unsupported stream version: %d", h.Version)
	}
	if err := binary.Read(br, binary.LittleEndian, &h.TimeCost); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(br, binary.LittleEndian, &h.MemoryKiB); err != nil {
		return nil, nil, err
	}
	p, err := br.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	h.Parallel = p
	if err := binary.Read(br, binary.LittleEndian, &h.ChunkSize); err != nil {
		return nil, nil, err
	}
	if h.ChunkSize == 0 || h.ChunkSize > maxChunkSize {
		return nil, nil, fmt.Errorf("invalid chunk size in header: %d", h.ChunkSize)
	}
	if _, err := io.ReadFull(br, h.Salt[:]); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(br, h.BaseNonce[:]); err != nil {
		return nil, nil, err
	}
	return h, headerBytes, nil
}

// deriveKey applies domain-separated Argon2id to the passphrase. The
// salt is fresh per run, so identical device contents produce different
// ciphertext on every invocation.
func deriveKey(passphrase, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, p.TimeCost, p.MemoryKiB, p.Parallelism, p.KeyLen)
}

func deriveChunkNonce(base [nonceSize]byte, idx uint64) [nonceSize]byte {
	var out [nonceSize]byte
	copy(out[:], base[:])
	var ctr [nonceSize]byte
	binary.LittleEndian.PutUint64(ctr[:8], idx)
	for i := 0; i < nonceSize; i++ {
		out[i] ^= ctr[i]
	}
	return out
}

// chunkAAD binds the header, chunk index, and plaintext length into the
// AEAD so chunks cannot be reordered, dropped, or truncated undetected.
func chunkAAD(headerBytes []byte, idx uint64, plen uint32) []byte {
	aad := make([]byte, 0, len(headerBytes)+12)
	aad = append(aad, headerBytes...)
	var idxLE [8]byte
	binary.LittleEndian.PutUint64(idxLE[:], idx)
	aad = append(aad, idxLE[:]...)
	var lenLE [4]byte
	binary.LittleEndian.PutUint32(lenLE[:], plen)
	aad = append(aad, lenLE[:]...)
	return aad
}

// EncryptReader wraps a plaintext source and yields the encrypted wire
// stream: header, then framed sealed chunks, then a zero-length
// terminator chunk. It never buffers more than one chunk.
type EncryptReader struct {
	src         io.Reader
	aead        cipher.AEAD
	headerBytes []byte
	baseNonce   [nonceSize]byte
	chunkSize   int

	buf  []byte // plaintext scratch
	out  []byte // pending encrypted output
	idx  uint64
	done bool
	err  error
}

// NewEncryptReader derives the stream key and prepares the header. The
// caller retains ownership of passphrase and should zeroize it once the
// reader has been constructed.
func NewEncryptReader(src io.Reader, passphrase []byte, params KDFParams, chunkSize int) (*EncryptReader, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	h := &StreamHeader{
		Version:   streamVersion,
		TimeCost:  params.TimeCost,
		MemoryKiB: params.MemoryKiB,
		Parallel:  params.Parallelism,
		ChunkSize: uint32(chunkSize),
	}
	copy(h.Magic[:], streamMagic)
	if _, err := rand.Read(h.Salt[:]); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(h.BaseNonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate base nonce: %w", err)
	}

	key := deriveKey(passphrase, h.Salt[:], params)
	defer zeroize(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD: %w", err)
	}

	headerBytes := encodeStreamHeader(h)
	return &EncryptReader{
		src:         src,
		aead:        aead,
		headerBytes: headerBytes,
		baseNonce:   h.BaseNonce,
		chunkSize:   chunkSize,
		buf:         make([]byte, chunkSize),
		out:         append([]byte(nil), headerBytes...),
	}, nil
}

func (er *EncryptReader) Read(p []byte) (int, error) {
	for len(er.out) == 0 {
		if er.err != nil {
			return 0, er.err
		}
		if er.done {
			return 0, io.EOF
		}
		if err := er.fill(); err != nil {
			er.err = err
			return 0, err
		}
	}
	n := copy(p, er.out)
	er.out = er.out[n:]
	return n, nil
}

// fill seals the next plaintext chunk into er.out. At EOF it emits the
// zero-length terminator chunk so stream truncation is detectable.
func (er *EncryptReader) fill() error {
	n, readErr := io.ReadFull(er.src, er.buf)
	switch readErr {
	case nil, io.ErrUnexpectedEOF:
	case io.EOF:
		n = 0
	default:
		return fmt.Errorf("device read error: %w", readErr)
	}

	pt := er.buf[:n]
	frame := make([]byte, 4, 4+n+er.aead.Overhead())
	binary.LittleEndian.PutUint32(frame[:4], uint32(n))

	nonce := deriveChunkNonce(er.baseNonce, er.idx)
	aad := chunkAAD(er.headerBytes, er.idx, uint32(n))
	frame = er.aead.Seal(frame, nonce[:], pt, aad)

	zeroize(pt)
	runtime.KeepAlive(pt)

	er.out = frame
	er.idx++
	if n == 0 {
		er.done = true
	}
	return nil
}

// DecryptStream is the inverse of EncryptReader. It exists for image
// recovery and for verifying the wire format in tests.
func DecryptStream(dst io.Writer, src io.Reader, passphrase []byte) error {
	h, headerBytes, err := decodeStreamHeader(src)
	if err != nil {
		return err
	}
	params := KDFParams{
		TimeCost:    h.TimeCost,
		MemoryKiB:   h.MemoryKiB,
		Parallelism: h.Parallel,
		KeyLen:      chacha20poly1305.KeySize,
	}
	if err := params.validate(); err != nil {
		return fmt.Errorf("rejecting stream KDF parameters: %w", err)
	}

	key := deriveKey(passphrase, h.Salt[:], params)
	defer zeroize(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("failed to init AEAD: %w", err)
	}

	var idx uint64
	ct := make([]byte, int(h.ChunkSize)+aead.Overhead())
	for {
		var lenLE [4]byte
		if _, err := io.ReadFull(src, lenLE[:]); err != nil {
			return fmt.Errorf("truncated stream at chunk %d: %w", idx, err)
		}
		plen := binary.LittleEndian.Uint32(lenLE[:])
		if plen > h.ChunkSize {
			return fmt.Errorf("chunk %d declares %d bytes, exceeds chunk size %d", idx, plen, h.ChunkSize)
		}

		ctLen := int(plen) + aead.Overhead()
		if _, err := io.ReadFull(src, ct[:ctLen]); err != nil {
			return fmt.Errorf("truncated ciphertext at chunk %d: %w", idx, err)
		}

		nonce := deriveChunkNonce(h.BaseNonce, idx)
		aad := chunkAAD(headerBytes, idx, plen)
		pt, err := aead.Open(nil, nonce[:], ct[:ctLen], aad)
		if err != nil {
			return fmt.Errorf("authentication failed at chunk %d: %w", idx, err)
		}
		idx++

		if plen == 0 {
			return nil // terminator
		}
		if _, err := dst.Write(pt); err != nil {
			return fmt.Errorf("failed to write plaintext: %w", err)
		}
		zeroize(pt)
	}
}

// Package blockio implements a block-indexed, per-block-authenticated
// random-access stream: it turns any securefs.RandomIO ("physical stream")
// into a virtual plaintext securefs.RandomIO whose bytes are transparently
// encrypted and authenticated with AES-256-GCM in fixed physical-block
// units.
//
// Authenticity is per block, not positional: the block's index on the
// stream is never bound into the MAC as associated data, so a ciphertext
// block copied verbatim from one offset (or one stream, under the same key)
// to another still authenticates. This is a known, deliberate gap rather
// than a closed one; see the Stream type's doc comment.
package blockio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	securefs "github.com/absfs/securefs"
)

const (
	// IVSize is the length in bytes of the per-block GCM nonce.
	IVSize = 12
	// MACSize is the length in bytes of the per-block GCM authentication tag.
	MACSize = 16
	// Overhead is the number of physical bytes consumed per block that do
	// not carry plaintext: IVSize + MACSize.
	Overhead = IVSize + MACSize
)

var errStreamReadOnly = errors.New("blockio: stream is read-only")

// Stream presents a virtual random-access plaintext RandomIO over an
// underlying physical RandomIO, in fixed PhysicalBlockSize units.
//
// Each physical block holds [IV(12) ‖ ciphertext ‖ MAC(16)], encrypting up
// to VirtualBlockSize() bytes of plaintext with AES-256-GCM under a single
// key pinned for the stream's lifetime. A physical block whose bytes are
// all zero decrypts to an all-zero plaintext block without requiring a
// valid MAC (the "sparse-zero" convention), made safe by the fact that a
// legitimately encrypted block can never itself be all zero (an all-zero
// IV is explicitly rejected at write time).
//
// Stream carries no internal mutex: callers sharing one Stream across
// goroutines must serialize their own access.
//
// Known limitation (tracked, not closed): block authentication does not
// bind the stream's identity or the block's index as associated data, so a
// block swapped between two offsets (or two streams under the same content
// key) still authenticates.
type Stream struct {
	physBlock  int64
	virtBlock  int64
	underlying securefs.RandomIO
	readOnly   bool
	aead       cipher.AEAD
}

// New constructs a Stream over underlying, encrypting/authenticating with a
// 32-byte AES-256 key in units of physicalBlockSize bytes. physicalBlockSize
// must exceed Overhead. readOnly is reported by ReadOnly, and WriteAt and
// Resize on a read-only Stream return an error.
func New(key []byte, physicalBlockSize int64, underlying securefs.RandomIO, readOnly bool) (*Stream, error) {
	if err := securefs.ValidateKey(key, 32); err != nil {
		return nil, err
	}
	if physicalBlockSize <= Overhead {
		return nil, securefs.NewInvalidParameterError("physicalBlockSize", physicalBlockSize, "must exceed the 28-byte IV+MAC overhead")
	}
	if underlying == nil {
		return nil, securefs.NewInvalidParameterError("underlying", nil, "underlying RandomIO cannot be nil")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("blockio: failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("blockio: failed to create GCM: %w", err)
	}

	return &Stream{
		physBlock:  physicalBlockSize,
		virtBlock:  physicalBlockSize - Overhead,
		underlying: underlying,
		readOnly:   readOnly,
		aead:       aead,
	}, nil
}

// ReadOnly reports the read-only flag the Stream was constructed with.
func (s *Stream) ReadOnly() bool { return s.readOnly }

// PhysicalBlockSize returns the physical (on-disk) block size.
func (s *Stream) PhysicalBlockSize() int64 { return s.physBlock }

// VirtualBlockSize returns the plaintext block size (PhysicalBlockSize - Overhead).
func (s *Stream) VirtualBlockSize() int64 { return s.virtBlock }

// ComputeVirtualSize is the pure size-mapping helper for callers that need
// to know a stream's logical size without opening it; Size uses it too.
func ComputeVirtualSize(underlyingSize, physicalBlockSize int64) int64 {
	q := underlyingSize / physicalBlockSize
	r := underlyingSize % physicalBlockSize
	v := physicalBlockSize - Overhead
	extra := r - Overhead
	if extra < 0 {
		extra = 0
	}
	return q*v + extra
}

// Size returns the current logical (plaintext) size of the stream.
func (s *Stream) Size() (int64, error) {
	us, err := s.underlying.Size()
	if err != nil {
		return 0, securefs.NewStorageError("size", "", err)
	}
	return ComputeVirtualSize(us, s.physBlock), nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// readBlock reads and decrypts a single virtual block, returning its
// plaintext (0..VirtualBlockSize() bytes: shorter than a full block only
// for the stream's current final block, or empty if the block does not
// exist on disk at all).
func (s *Stream) readBlock(blockIdx int64) ([]byte, error) {
	physBuf := make([]byte, s.physBlock)
	n, err := s.underlying.ReadAt(physBuf, blockIdx*s.physBlock)
	if err != nil {
		return nil, securefs.NewStorageError("read", "", err)
	}
	if n <= Overhead {
		return nil, nil
	}
	blk := physBuf[:n]
	if isAllZero(blk) {
		return make([]byte, int64(n)-Overhead), nil
	}
	iv := blk[:IVSize]
	sealed := blk[IVSize:]
	out, derr := s.aead.Open(nil, iv, sealed, nil)
	if derr != nil {
		return nil, securefs.NewIntegrityError(blockIdx, derr)
	}
	return out, nil
}

// ReadAt implements the bulk-read-then-decrypt protocol: a single bulk
// underlying read covering the requested virtual range, decrypted block by
// block, with the output buffer pre-zeroed so short reads and sparse-zero
// blocks look identical to the caller.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := securefs.ValidateOffset(off, "off"); err != nil {
		return 0, err
	}
	for i := range p {
		p[i] = 0
	}

	V := s.virtBlock
	P := s.physBlock

	startBlock := off / V
	startResidue := off % V
	endBlock := (off + int64(len(p)) - 1) / V
	numBlocks := endBlock - startBlock + 1

	physBuf := make([]byte, numBlocks*P)
	n, err := s.underlying.ReadAt(physBuf, startBlock*P)
	if err != nil {
		return 0, securefs.NewStorageError("read", "", err)
	}
	if n <= Overhead {
		return 0, nil
	}

	plain := make([]byte, numBlocks*V)
	pos := int64(0)
	for b := int64(0); b < numBlocks && pos < int64(n); b++ {
		blkLen := P
		if remaining := int64(n) - pos; remaining < blkLen {
			blkLen = remaining
		}
		if blkLen <= Overhead {
			break
		}
		blk := physBuf[pos : pos+blkLen]
		plainLen := blkLen - Overhead
		if !isAllZero(blk) {
			iv := blk[:IVSize]
			sealed := blk[IVSize:blkLen]
			out, derr := s.aead.Open(nil, iv, sealed, nil)
			if derr != nil {
				return 0, securefs.NewIntegrityError(startBlock+b, derr)
			}
			copy(plain[b*V:b*V+plainLen], out)
		}
		pos += blkLen
	}

	availVirt := (int64(n)/P)*V + maxI64((int64(n)%P)-Overhead, 0)
	requestAvail := availVirt - startResidue
	if requestAvail < 0 {
		requestAvail = 0
	}
	want := int64(len(p))
	if requestAvail < want {
		want = requestAvail
	}
	if want > 0 {
		copy(p[:want], plain[startResidue:startResidue+want])
	}
	return int(want), nil
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// WriteAt implements the read-modify-write protocol for misaligned writes:
// preserving the unwritten prefix of a misaligned first block and the
// larger of "bytes requested" / "bytes already on disk" for the last
// block, then re-encrypting every touched block under a freshly drawn,
// never-all-zero IV.
func (s *Stream) WriteAt(p []byte, off int64) (int, error) {
	if s.readOnly {
		return 0, securefs.NewStorageError("write", "", errStreamReadOnly)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := securefs.ValidateOffset(off, "off"); err != nil {
		return 0, err
	}
	cur, err := s.Size()
	if err != nil {
		return 0, err
	}
	if off > cur {
		// Extend to off first so the gap is laid out as sealed or
		// sparse-zero blocks instead of zeros appended after a sealed block.
		if err := s.Resize(off); err != nil {
			return 0, err
		}
	}

	V := s.virtBlock
	P := s.physBlock

	startBlock := off / V
	startResidue := off % V
	endOffset := off + int64(len(p))
	endBlock := (endOffset - 1) / V
	numBlocks := endBlock - startBlock + 1
	lastLocalEnd := endOffset - endBlock*V

	plain := make([]byte, numBlocks*V)
	lastLen := lastLocalEnd

	if startBlock == endBlock {
		if startResidue != 0 || lastLocalEnd != V {
			existing, err := s.readBlock(startBlock)
			if err != nil {
				return 0, err
			}
			copy(plain[0:V], existing)
			if int64(len(existing)) > lastLen {
				lastLen = int64(len(existing))
			}
		}
	} else {
		if startResidue != 0 {
			existing, err := s.readBlock(startBlock)
			if err != nil {
				return 0, err
			}
			copy(plain[0:V], existing)
		}
		if lastLocalEnd != V {
			existingTail, err := s.readBlock(endBlock)
			if err != nil {
				return 0, err
			}
			copy(plain[(numBlocks-1)*V:(numBlocks-1)*V+int64(len(existingTail))], existingTail)
			if int64(len(existingTail)) > lastLen {
				lastLen = int64(len(existingTail))
			}
		}
	}

	copy(plain[startResidue:startResidue+int64(len(p))], p)

	physBuf := make([]byte, 0, numBlocks*P)
	for i := int64(0); i < numBlocks; i++ {
		segLen := V
		if i == numBlocks-1 {
			segLen = lastLen
		}
		seg := plain[i*V : i*V+segLen]
		sealed, iv, err := s.sealBlock(seg)
		if err != nil {
			return 0, err
		}
		physBuf = append(physBuf, iv...)
		physBuf = append(physBuf, sealed...)
	}

	n, werr := s.underlying.WriteAt(physBuf, startBlock*P)
	if werr != nil {
		return 0, securefs.NewStorageError("write", "", werr)
	}
	if n != len(physBuf) {
		return 0, securefs.NewStorageError("write", "", fmt.Errorf("short write: wrote %d of %d bytes", n, len(physBuf)))
	}
	return len(p), nil
}

// sealBlock draws a fresh IV (redrawing on the all-zero case, which would
// otherwise be indistinguishable from a sparse-zero block) and seals plain
// under it, returning the sealed ciphertext+tag and the IV.
func (s *Stream) sealBlock(plain []byte) (sealed, iv []byte, err error) {
	iv = make([]byte, IVSize)
	for {
		if _, rerr := rand.Read(iv); rerr != nil {
			return nil, nil, securefs.NewStorageError("rand", "", rerr)
		}
		if !isAllZero(iv) {
			break
		}
	}
	return s.aead.Seal(nil, iv, plain, nil), iv, nil
}

// overheadIfNonZero returns 0 for r == 0 (no trailing block at all) and
// r + Overhead otherwise (a physical block whose plaintext is r bytes).
func overheadIfNonZero(r int64) int64 {
	if r == 0 {
		return 0
	}
	return r + Overhead
}

// Resize implements the four-case resize table: shrinking within the final
// block, shrinking across a block boundary, growing within the final
// block, and growing across a block boundary each rewrite a different set
// of blocks.
func (s *Stream) Resize(newSize int64) error {
	if s.readOnly {
		return securefs.NewStorageError("resize", "", errStreamReadOnly)
	}
	if newSize < 0 {
		return securefs.NewInvalidParameterError("newSize", newSize, "negative size not allowed")
	}
	cur, err := s.Size()
	if err != nil {
		return err
	}
	if newSize == cur {
		return nil
	}

	V := s.virtBlock
	P := s.physBlock
	curQ := cur / V
	newQ, newR := newSize/V, newSize%V

	switch {
	case newQ == curQ, newQ < curQ:
		existing, err := s.readBlock(newQ)
		if err != nil {
			return err
		}
		block := make([]byte, newR)
		copy(block, existing)
		return s.rewriteLastBlock(newQ, block, newQ*P+newR+Overhead)

	default: // newQ > curQ
		curR := cur % V
		if curR > 0 {
			existing, err := s.readBlock(curQ)
			if err != nil {
				return err
			}
			full := make([]byte, V)
			copy(full, existing)
			if err := s.rewriteLastBlock(curQ, full, curQ*P+P); err != nil {
				return err
			}
		} else if err := s.underlying.Resize(curQ * P); err != nil {
			// A block-aligned size may still end in a sealed empty block of
			// Overhead bytes; it is dropped so the grown tail is all zero.
			return securefs.NewStorageError("resize", "", err)
		}
		if err := s.underlying.Resize(newQ*P + overheadIfNonZero(newR)); err != nil {
			return securefs.NewStorageError("resize", "", err)
		}
		return nil
	}
}

// rewriteLastBlock re-encrypts plain (possibly empty) as the block at
// blockIdx, then resizes the underlying container to newUnderlyingSize.
func (s *Stream) rewriteLastBlock(blockIdx int64, plain []byte, newUnderlyingSize int64) error {
	sealed, iv, err := s.sealBlock(plain)
	if err != nil {
		return err
	}
	phys := make([]byte, 0, IVSize+len(sealed))
	phys = append(phys, iv...)
	phys = append(phys, sealed...)
	if _, werr := s.underlying.WriteAt(phys, blockIdx*s.physBlock); werr != nil {
		return securefs.NewStorageError("write", "", werr)
	}
	if err := s.underlying.Resize(newUnderlyingSize); err != nil {
		return securefs.NewStorageError("resize", "", err)
	}
	return nil
}

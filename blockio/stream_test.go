package blockio

import (
	"bytes"
	"math/rand"
	"testing"

	securefs "github.com/absfs/securefs"
)

// memRandomIO is a minimal in-memory securefs.RandomIO for testing.
type memRandomIO struct {
	buf []byte
}

func (m *memRandomIO) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, nil
	}
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memRandomIO) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:end], p)
	return len(p), nil
}

func (m *memRandomIO) Size() (int64, error) { return int64(len(m.buf)), nil }

func (m *memRandomIO) Resize(newSize int64) error {
	if newSize <= int64(len(m.buf)) {
		m.buf = m.buf[:newSize]
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestStream(t *testing.T, physBlock int64) (*Stream, *memRandomIO) {
	t.Helper()
	u := &memRandomIO{}
	s, err := New(testKey(), physBlock, u, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, u
}

func TestComputeVirtualSize(t *testing.T) {
	const P = 4096
	const V = P - Overhead
	cases := []struct {
		underlying int64
		want       int64
	}{
		{0, 0},
		{Overhead, 0},
		{Overhead + 1, 1},
		{P, V},
		{P + Overhead, V},
		{P + Overhead + 10, V + 10},
		{2 * P, 2 * V},
	}
	for _, c := range cases {
		got := ComputeVirtualSize(c.underlying, P)
		if got != c.want {
			t.Errorf("ComputeVirtualSize(%d, %d) = %d, want %d", c.underlying, P, got, c.want)
		}
	}
}

func TestRoundTripSingleBlock(t *testing.T) {
	s, _ := newTestStream(t, 256)
	data := []byte("hello, encrypted world")
	if _, err := s.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(data))
	n, err := s.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(data) {
		t.Fatalf("ReadAt returned n=%d, want %d", n, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q want %q", got, data)
	}
}

func TestRoundTripMultiBlockUnaligned(t *testing.T) {
	s, _ := newTestStream(t, 128)
	V := s.VirtualBlockSize()

	data := make([]byte, V*3+17)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)

	off := V/2 + 3
	if _, err := s.WriteAt(data, off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(data))
	n, err := s.ReadAt(got, off)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(data) {
		t.Fatalf("ReadAt n=%d want %d", n, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}

	sz, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != off+int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", sz, off+int64(len(data)))
	}
}

func TestSparseReadBeforeWrite(t *testing.T) {
	s, u := newTestStream(t, 128)
	// Resize to simulate a sparse region without ever writing real data.
	if err := s.Resize(1000); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if len(u.buf) == 0 {
		t.Fatalf("expected non-empty underlying after resize")
	}
	buf := make([]byte, 100)
	n, err := s.ReadAt(buf, 50)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 100 {
		t.Fatalf("ReadAt n=%d want 100", n)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected all-zero sparse read, buf[%d]=%d", i, b)
		}
	}
}

func TestWriteZeroPlaintextStoresNonZeroPhysicalBlock(t *testing.T) {
	// Writing all-zero plaintext must not collapse into the sparse-zero
	// encoding: the physical block is still sealed (IV+tag), so a later
	// tamper of that block is still detectable.
	s, u := newTestStream(t, 128)
	zeros := make([]byte, 50)
	if _, err := s.WriteAt(zeros, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if isAllZero(u.buf) {
		t.Fatalf("expected sealed physical block to not be all-zero even for zero plaintext")
	}
	got := make([]byte, 50)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !isAllZero(got) {
		t.Fatalf("expected zero plaintext back")
	}
}

func TestTamperDetected(t *testing.T) {
	s, u := newTestStream(t, 128)
	data := []byte("some secret plaintext data")
	if _, err := s.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	// Flip a bit inside the ciphertext region (past the IV).
	u.buf[IVSize+2] ^= 0xFF

	got := make([]byte, len(data))
	_, err := s.ReadAt(got, 0)
	if err == nil {
		t.Fatalf("expected integrity error after tamper, got nil")
	}
	if !securefs.IsIntegrityError(err) {
		t.Fatalf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestResizeShrinkThenGrow(t *testing.T) {
	s, _ := newTestStream(t, 128)
	V := s.VirtualBlockSize()

	full := bytes.Repeat([]byte{0xAB}, int(V*2+10))
	if _, err := s.WriteAt(full, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	shrinkTo := V + 5
	if err := s.Resize(shrinkTo); err != nil {
		t.Fatalf("Resize shrink: %v", err)
	}
	sz, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != shrinkTo {
		t.Fatalf("Size() after shrink = %d, want %d", sz, shrinkTo)
	}
	got := make([]byte, shrinkTo)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, full[:shrinkTo]) {
		t.Fatalf("shrink truncated data mismatch")
	}

	growTo := V*3 + 20
	if err := s.Resize(growTo); err != nil {
		t.Fatalf("Resize grow: %v", err)
	}
	sz, err = s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != growTo {
		t.Fatalf("Size() after grow = %d, want %d", sz, growTo)
	}
	grown := make([]byte, growTo)
	if _, err := s.ReadAt(grown, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(grown[:shrinkTo], full[:shrinkTo]) {
		t.Fatalf("grow did not preserve previously-shrunk prefix")
	}
	for i := shrinkTo; i < growTo; i++ {
		if grown[i] != 0 {
			t.Fatalf("expected zero-extended byte at %d, got %d", i, grown[i])
		}
	}
}

func TestResizeToZero(t *testing.T) {
	s, _ := newTestStream(t, 128)
	data := bytes.Repeat([]byte{0x01}, 200)
	if _, err := s.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := s.Resize(0); err != nil {
		t.Fatalf("Resize(0): %v", err)
	}
	sz, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != 0 {
		t.Fatalf("Size() after Resize(0) = %d, want 0", sz)
	}
}

func TestReadOnlyStreamRejectsMutation(t *testing.T) {
	u := &memRandomIO{}
	s, err := New(testKey(), 128, u, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.WriteAt([]byte("x"), 0); err == nil {
		t.Fatalf("expected error writing to read-only stream")
	}
	if err := s.Resize(10); err == nil {
		t.Fatalf("expected error resizing read-only stream")
	}
}

func TestRandomizedInterleavedAgainstModel(t *testing.T) {
	s, _ := newTestStream(t, 96)
	var model []byte
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		switch rng.Intn(3) {
		case 0, 1: // write, weighted higher
			off := int64(rng.Intn(500))
			n := rng.Intn(60) + 1
			buf := make([]byte, n)
			rng.Read(buf)
			if _, err := s.WriteAt(buf, off); err != nil {
				t.Fatalf("WriteAt: %v", err)
			}
			end := off + int64(n)
			if end > int64(len(model)) {
				grown := make([]byte, end)
				copy(grown, model)
				model = grown
			}
			copy(model[off:end], buf)
		case 2: // resize
			newSize := int64(rng.Intn(500))
			if err := s.Resize(newSize); err != nil {
				t.Fatalf("Resize: %v", err)
			}
			if newSize <= int64(len(model)) {
				model = model[:newSize]
			} else {
				grown := make([]byte, newSize)
				copy(grown, model)
				model = grown
			}
		}

		sz, err := s.Size()
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if sz != int64(len(model)) {
			t.Fatalf("iteration %d: Size() = %d, want %d", i, sz, len(model))
		}
		got := make([]byte, len(model))
		if len(got) > 0 {
			if _, err := s.ReadAt(got, 0); err != nil {
				t.Fatalf("iteration %d: ReadAt: %v", i, err)
			}
		}
		if !bytes.Equal(got, model) {
			t.Fatalf("iteration %d: state diverged from model", i)
		}
	}
}

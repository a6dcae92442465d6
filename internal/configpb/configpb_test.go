package configpb

import (
	"bytes"
	"testing"
)

func TestRoundTripSecureFSSerializedConfig(t *testing.T) {
	c := &SecureFSSerializedConfig{
		Params: FileSystemParams{
			FormatVersion:             1,
			UnderlyingBlockSize:       4096,
			VirtualBlockSizeForTreeDB: 4096 + 28,
			ExactNameOnly:             false,
			NameLookupMode:            NameLookupCaseInsensitive,
		},
		Argon2Params: Argon2idParams{
			Time:        1,
			MemoryKB:    64 * 1024,
			Parallelism: 2,
		},
		Salt: bytes.Repeat([]byte{0x02}, 32),
		EncryptedMasterKeys: EncryptedData{
			IV:         bytes.Repeat([]byte{0x03}, 12),
			MAC:        bytes.Repeat([]byte{0x04}, 16),
			Ciphertext: []byte("pretend ciphertext"),
		},
	}

	wire := Marshal(c)
	got, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Params != c.Params {
		t.Fatalf("Params mismatch: got %+v want %+v", got.Params, c.Params)
	}
	if got.Argon2Params != c.Argon2Params {
		t.Fatalf("Argon2Params mismatch: got %+v want %+v", got.Argon2Params, c.Argon2Params)
	}
	if !bytes.Equal(got.Salt, c.Salt) {
		t.Fatalf("Salt mismatch")
	}
	if !bytes.Equal(got.EncryptedMasterKeys.IV, c.EncryptedMasterKeys.IV) ||
		!bytes.Equal(got.EncryptedMasterKeys.MAC, c.EncryptedMasterKeys.MAC) ||
		!bytes.Equal(got.EncryptedMasterKeys.Ciphertext, c.EncryptedMasterKeys.Ciphertext) {
		t.Fatalf("EncryptedMasterKeys mismatch")
	}
}

func TestRoundTripMasterKeys(t *testing.T) {
	m := &MasterKeys{}
	for i, f := range m.Fields() {
		for j := range f {
			f[j] = byte(i*7 + j)
		}
	}

	wire := MarshalMasterKeys(m)
	got, err := UnmarshalMasterKeys(wire)
	if err != nil {
		t.Fatalf("UnmarshalMasterKeys: %v", err)
	}
	if *got != *m {
		t.Fatalf("MasterKeys mismatch: got %+v want %+v", *got, *m)
	}
}

func TestUnmarshalMasterKeysRejectsWrongLength(t *testing.T) {
	var b []byte
	// Manually construct a field with a 16-byte (wrong-length) value at tag 1.
	bad := &struct{ v []byte }{v: bytes.Repeat([]byte{0x01}, 16)}
	// Start from a valid marshalled message, check its first tag byte, then
	// splice a short field in place of the first one.
	m := &MasterKeys{}
	wire := MarshalMasterKeys(m)
	_ = bad
	_ = b

	// The first field (tree_db_key) is tag 1, wire type 2 (bytes): tag byte
	// 0x0A, followed by a varint length (32) then 32 bytes. Replace the
	// length-and-payload with a 16-byte payload instead.
	if wire[0] != 0x0A {
		t.Fatalf("unexpected tag byte %x, test assumption broken", wire[0])
	}
	corrupted := append([]byte{0x0A, 16}, bytes.Repeat([]byte{0x01}, 16)...)
	corrupted = append(corrupted, wire[1+1+32:]...)

	if _, err := UnmarshalMasterKeys(corrupted); err == nil {
		t.Fatalf("expected error for wrong-length key field")
	}
}

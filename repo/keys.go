package repo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	securefs "github.com/absfs/securefs"
	"github.com/absfs/securefs/internal/configpb"
	"golang.org/x/crypto/argon2"
	"lukechampine.com/blake3"
)

// Argon2Params mirrors configpb.Argon2idParams with Go-native field types,
// the shape callers of Create/Open construct directly.
type Argon2Params struct {
	Time        uint32
	MemoryKB    uint32
	Parallelism uint8
}

func toConfigArgon2(p Argon2Params) configpb.Argon2idParams {
	return configpb.Argon2idParams{
		Time:        uint64(p.Time),
		MemoryKB:    uint64(p.MemoryKB),
		Parallelism: uint64(p.Parallelism),
	}
}

func fromConfigArgon2(p configpb.Argon2idParams) Argon2Params {
	return Argon2Params{
		Time:        uint32(p.Time),
		MemoryKB:    uint32(p.MemoryKB),
		Parallelism: uint8(p.Parallelism),
	}
}

// effectiveSalt combines the stored salt with an optional key-file's
// contents via keyed BLAKE3 (salt as the 32-byte key, key-file contents as
// the message), the same wrapped-key derivation used to produce the user
// key. With no key-file the salt is used as-is.
func effectiveSalt(salt, keyFileContents []byte) ([]byte, error) {
	if len(keyFileContents) == 0 {
		return salt, nil
	}
	if len(salt) != 32 {
		return nil, securefs.NewInvalidParameterError("salt", len(salt), "BLAKE3 keyed hash requires a 32-byte key")
	}
	h := blake3.New(32, salt)
	if _, err := h.Write(keyFileContents); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// deriveUserKey computes the Argon2id user key from password, salt, an
// optional key-file's contents, and the KDF cost parameters. The Argon2id
// memory cost is passed straight through in KiB, matching
// golang.org/x/crypto/argon2.IDKey's own units.
func deriveUserKey(password, salt, keyFileContents []byte, params Argon2Params) ([]byte, error) {
	salt, err := effectiveSalt(salt, keyFileContents)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey(password, salt, params.Time, params.MemoryKB, params.Parallelism, 32), nil
}

// sealMasterKeys AES-GCM-encrypts the wire-encoded master keys under
// userKey, producing the three-field EncryptedData persisted in config.pb.
func sealMasterKeys(userKey []byte, mk *configpb.MasterKeys) (configpb.EncryptedData, error) {
	block, err := aes.NewCipher(userKey)
	if err != nil {
		return configpb.EncryptedData{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return configpb.EncryptedData{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return configpb.EncryptedData{}, securefs.NewStorageError("rand", "", err)
	}
	plaintext := configpb.MarshalMasterKeys(mk)
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ctLen := len(sealed) - aead.Overhead()
	return configpb.EncryptedData{
		IV:         iv,
		MAC:        sealed[ctLen:],
		Ciphertext: sealed[:ctLen],
	}, nil
}

// unsealMasterKeys reverses sealMasterKeys. Authentication failure
// surfaces as securefs.IntegrityError wrapping the underlying AEAD error.
// enc.IV and enc.MAC are length-checked up front against the AEAD's own
// nonce/tag sizes: a truncated config.pb otherwise reaches
// cipher.AEAD.Open with a malformed nonce, which panics rather than
// returning an error.
func unsealMasterKeys(userKey []byte, enc configpb.EncryptedData) (*configpb.MasterKeys, error) {
	block, err := aes.NewCipher(userKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(enc.IV) != aead.NonceSize() {
		return nil, securefs.NewInvalidParameterError("encrypted_master_keys.iv", len(enc.IV), fmt.Sprintf("must be %d bytes", aead.NonceSize()))
	}
	if err := securefs.ValidateBuffer(enc.MAC, "encrypted_master_keys.mac", aead.Overhead()); err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), enc.Ciphertext...), enc.MAC...)
	plaintext, err := aead.Open(nil, enc.IV, sealed, nil)
	if err != nil {
		return nil, securefs.NewIntegrityError(-1, err)
	}
	return configpb.UnmarshalMasterKeys(plaintext)
}

// newMasterKeys draws fresh 32-byte keys for every field of MasterKeys
// from the system's cryptographic RNG. This is the Go translation of the
// source's descriptor-reflection field draw: MasterKeys.Fields already
// names each 32-byte field explicitly, so filling them is direct
// iteration rather than runtime reflection.
func newMasterKeys() (*configpb.MasterKeys, error) {
	mk := &configpb.MasterKeys{}
	for _, f := range mk.Fields() {
		if _, err := rand.Read(f[:]); err != nil {
			return nil, securefs.NewStorageError("rand", "", err)
		}
	}
	return mk, nil
}

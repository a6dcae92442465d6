// Package configpb defines the wire-level messages persisted in a
// repository's config.pb and encodes/decodes them with
// google.golang.org/protobuf/encoding/protowire directly, field by field,
// rather than through generated message types. There is no .proto file and
// no protoc invocation anywhere in this module: the field numbers and wire
// types below ARE the schema.
package configpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for SecureFSSerializedConfig.
const (
	fieldParams              = 1
	fieldArgon2Params         = 2
	fieldSalt                 = 3
	fieldEncryptedMasterKeys  = 4
)

// Field numbers for FileSystemParams.
const (
	fieldFormatVersion               = 1
	fieldUnderlyingBlockSize         = 2
	fieldVirtualBlockSizeForTreeDB   = 3
	fieldExactNameOnly               = 4
	fieldNameLookupMode              = 5
)

// Field numbers for Argon2idParams.
const (
	fieldArgon2Time        = 1
	fieldArgon2MemoryKB    = 2
	fieldArgon2Parallelism = 3
)

// Field numbers for EncryptedData.
const (
	fieldIV         = 1
	fieldMAC         = 2
	fieldCiphertext = 3
)

// Field numbers for MasterKeys.
const (
	fieldTreeDBKey  = 1
	fieldContentKey = 2
	fieldPaddingKey = 3
)

// NameLookupMode mirrors the three frozen-at-creation lookup modes.
type NameLookupMode uint64

const (
	NameLookupExact NameLookupMode = iota
	NameLookupCaseInsensitive
	NameLookupNFC
)

// FileSystemParams carries the scalar parameters fixed at repository
// creation.
type FileSystemParams struct {
	FormatVersion             uint64
	UnderlyingBlockSize       uint64
	VirtualBlockSizeForTreeDB uint64
	ExactNameOnly             bool
	NameLookupMode            NameLookupMode
}

// Argon2idParams carries the KDF cost parameters.
type Argon2idParams struct {
	Time        uint64
	MemoryKB    uint64
	Parallelism uint64
}

// EncryptedData is an AES-GCM-wrapped byte blob: IV, tag, and ciphertext
// kept as three separate fields rather than concatenated, so the wire
// format does not depend on a fixed tag position.
type EncryptedData struct {
	IV         []byte
	MAC        []byte
	Ciphertext []byte
}

// MasterKeys is the plaintext record AES-GCM-encrypted under the
// user-derived key to produce a config's EncryptedMasterKeys field. Every
// field is a 32-byte key; Fields returns them in field-number order so
// callers can iterate and fill them generically instead of naming each one
// explicitly (a plain slice takes the place of reflection over the struct).
type MasterKeys struct {
	TreeDBKey  [32]byte
	ContentKey [32]byte
	PaddingKey [32]byte
}

// Fields returns pointers to each of MasterKeys' 32-byte fields, in a
// stable order, for generic fill-from-RNG / iteration purposes.
func (m *MasterKeys) Fields() []*[32]byte {
	return []*[32]byte{&m.TreeDBKey, &m.ContentKey, &m.PaddingKey}
}

// SecureFSSerializedConfig is the top-level message persisted to
// config.pb.
type SecureFSSerializedConfig struct {
	Params              FileSystemParams
	Argon2Params        Argon2idParams
	Salt                []byte
	EncryptedMasterKeys EncryptedData
}

func appendSubmessage(dst []byte, num protowire.Number, body []byte) []byte {
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	dst = protowire.AppendBytes(dst, body)
	return dst
}

func marshalFileSystemParams(p FileSystemParams) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldFormatVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, p.FormatVersion)
	b = protowire.AppendTag(b, fieldUnderlyingBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, p.UnderlyingBlockSize)
	b = protowire.AppendTag(b, fieldVirtualBlockSizeForTreeDB, protowire.VarintType)
	b = protowire.AppendVarint(b, p.VirtualBlockSizeForTreeDB)
	b = protowire.AppendTag(b, fieldExactNameOnly, protowire.VarintType)
	if p.ExactNameOnly {
		b = protowire.AppendVarint(b, 1)
	} else {
		b = protowire.AppendVarint(b, 0)
	}
	b = protowire.AppendTag(b, fieldNameLookupMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.NameLookupMode))
	return b
}

func unmarshalFileSystemParams(data []byte) (FileSystemParams, error) {
	var p FileSystemParams
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("configpb: bad tag in FileSystemParams: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldFormatVersion, fieldUnderlyingBlockSize, fieldVirtualBlockSizeForTreeDB, fieldExactNameOnly, fieldNameLookupMode:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("configpb: bad varint in FileSystemParams field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldFormatVersion:
				p.FormatVersion = v
			case fieldUnderlyingBlockSize:
				p.UnderlyingBlockSize = v
			case fieldVirtualBlockSizeForTreeDB:
				p.VirtualBlockSizeForTreeDB = v
			case fieldExactNameOnly:
				p.ExactNameOnly = v != 0
			case fieldNameLookupMode:
				p.NameLookupMode = NameLookupMode(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("configpb: bad field %d in FileSystemParams: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}

func marshalArgon2idParams(p Argon2idParams) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldArgon2Time, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Time)
	b = protowire.AppendTag(b, fieldArgon2MemoryKB, protowire.VarintType)
	b = protowire.AppendVarint(b, p.MemoryKB)
	b = protowire.AppendTag(b, fieldArgon2Parallelism, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Parallelism)
	return b
}

func unmarshalArgon2idParams(data []byte) (Argon2idParams, error) {
	var p Argon2idParams
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("configpb: bad tag in Argon2idParams: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldArgon2Time, fieldArgon2MemoryKB, fieldArgon2Parallelism:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("configpb: bad varint in Argon2idParams field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldArgon2Time:
				p.Time = v
			case fieldArgon2MemoryKB:
				p.MemoryKB = v
			case fieldArgon2Parallelism:
				p.Parallelism = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("configpb: bad field %d in Argon2idParams: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}

func marshalEncryptedData(d EncryptedData) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIV, protowire.BytesType)
	b = protowire.AppendBytes(b, d.IV)
	b = protowire.AppendTag(b, fieldMAC, protowire.BytesType)
	b = protowire.AppendBytes(b, d.MAC)
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, d.Ciphertext)
	return b
}

func unmarshalEncryptedData(data []byte) (EncryptedData, error) {
	var d EncryptedData
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return d, fmt.Errorf("configpb: bad tag in EncryptedData: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldIV, fieldMAC, fieldCiphertext:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return d, fmt.Errorf("configpb: bad bytes in EncryptedData field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			buf := append([]byte(nil), v...)
			switch num {
			case fieldIV:
				d.IV = buf
			case fieldMAC:
				d.MAC = buf
			case fieldCiphertext:
				d.Ciphertext = buf
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return d, fmt.Errorf("configpb: bad field %d in EncryptedData: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return d, nil
}

// Marshal encodes c in protobuf wire format.
func Marshal(c *SecureFSSerializedConfig) []byte {
	var b []byte
	b = appendSubmessage(b, fieldParams, marshalFileSystemParams(c.Params))
	b = appendSubmessage(b, fieldArgon2Params, marshalArgon2idParams(c.Argon2Params))
	b = protowire.AppendTag(b, fieldSalt, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Salt)
	b = appendSubmessage(b, fieldEncryptedMasterKeys, marshalEncryptedData(c.EncryptedMasterKeys))
	return b
}

// Unmarshal decodes a SecureFSSerializedConfig from protobuf wire format.
func Unmarshal(data []byte) (*SecureFSSerializedConfig, error) {
	c := &SecureFSSerializedConfig{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("configpb: bad top-level tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldParams:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("configpb: bad params submessage: %w", protowire.ParseError(n))
			}
			data = data[n:]
			p, err := unmarshalFileSystemParams(v)
			if err != nil {
				return nil, err
			}
			c.Params = p
		case fieldArgon2Params:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("configpb: bad argon2_params submessage: %w", protowire.ParseError(n))
			}
			data = data[n:]
			p, err := unmarshalArgon2idParams(v)
			if err != nil {
				return nil, err
			}
			c.Argon2Params = p
		case fieldSalt:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("configpb: bad salt field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			c.Salt = append([]byte(nil), v...)
		case fieldEncryptedMasterKeys:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("configpb: bad encrypted_master_keys submessage: %w", protowire.ParseError(n))
			}
			data = data[n:]
			d, err := unmarshalEncryptedData(v)
			if err != nil {
				return nil, err
			}
			c.EncryptedMasterKeys = d
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("configpb: bad top-level field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return c, nil
}

// MarshalMasterKeys encodes a MasterKeys record in protobuf wire format.
// This is the plaintext that gets AES-GCM-sealed into EncryptedMasterKeys.
func MarshalMasterKeys(m *MasterKeys) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTreeDBKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.TreeDBKey[:])
	b = protowire.AppendTag(b, fieldContentKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ContentKey[:])
	b = protowire.AppendTag(b, fieldPaddingKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.PaddingKey[:])
	return b
}

// UnmarshalMasterKeys decodes a MasterKeys record from protobuf wire
// format, rejecting any key field that is not exactly 32 bytes.
func UnmarshalMasterKeys(data []byte) (*MasterKeys, error) {
	m := &MasterKeys{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("configpb: bad tag in MasterKeys: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldTreeDBKey, fieldContentKey, fieldPaddingKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("configpb: bad bytes in MasterKeys field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if len(v) != 32 {
				return nil, fmt.Errorf("configpb: MasterKeys field %d is %d bytes, want 32", num, len(v))
			}
			var dst *[32]byte
			switch num {
			case fieldTreeDBKey:
				dst = &m.TreeDBKey
			case fieldContentKey:
				dst = &m.ContentKey
			case fieldPaddingKey:
				dst = &m.PaddingKey
			}
			copy(dst[:], v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("configpb: bad field %d in MasterKeys: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}

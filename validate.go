package securefs

import "fmt"

// ValidateKey checks that key has exactly expectedSize bytes; blockio.New
// uses it to check its AES-256 key.
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return NewInvalidParameterError("key", nil, "key cannot be nil")
	}
	if len(key) != expectedSize {
		return NewInvalidParameterError("key", len(key), fmt.Sprintf("must be %d bytes", expectedSize))
	}
	return nil
}

// ValidateOffset checks that an I/O offset is non-negative.
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return NewInvalidParameterError(name, offset, "offset cannot be negative")
	}
	return nil
}

// ValidateBuffer checks that buf is non-nil and at least minSize bytes.
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return NewInvalidParameterError(name, nil, "buffer cannot be nil")
	}
	if minSize > 0 && len(buf) < minSize {
		return NewInvalidParameterError(name, len(buf), fmt.Sprintf("buffer too small, need at least %d bytes", minSize))
	}
	return nil
}

// ValidateFilePath checks that path is non-empty.
func ValidateFilePath(path string) error {
	if path == "" {
		return NewInvalidParameterError("path", path, "file path cannot be empty")
	}
	return nil
}

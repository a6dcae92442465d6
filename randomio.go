package securefs

// RandomIO is a random-access byte container: the abstraction both the
// block cipher stream (blockio.Stream) and the physical adapters beneath it
// (host files, the sqlitevfs host-VFS wrapper) implement.
//
// ReadAt past end of the container returns fewer bytes than requested and a
// nil error (an EOF-like short read, not an error). WriteAt past end extends
// the container. Resize truncates or extends; bytes newly exposed by an
// extension read back as zero.
type RandomIO interface {
	// ReadAt reads len(p) bytes starting at off, returning the number of
	// bytes actually read. A short read past the end of the container is
	// not an error.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes all of p starting at off, extending the container if
	// necessary. A short write is always an error.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the current size of the container in bytes.
	Size() (int64, error)

	// Resize truncates or extends the container to exactly newSize bytes.
	Resize(newSize int64) error
}

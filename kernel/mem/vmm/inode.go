package vmm

// Inode is the narrow interface a file system must satisfy for its files
// to be mappable: byte-range reads and writes plus a size, with the
// page-fault path layering a PageCache on top so repeated faults to the
// same offset reuse one physical frame.
type Inode interface {
	// ReadAt reads len(dst) bytes starting at off, returning the number
	// of bytes actually read. It behaves like io.ReaderAt except that
	// short reads past end-of-file are not an error: the remainder of
	// dst is left untouched and the caller (PageCache) zero-fills it.
	ReadAt(dst []byte, off int64) (int, error)

	// WriteAt writes src at off, growing the inode if needed, and
	// returns the number of bytes written.
	WriteAt(src []byte, off int64) (int, error)

	// Size returns the inode's current byte length.
	Size() int64
}

package bundle

import (
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// hashBufferSize is the size of the read buffer used while streaming a file
// through the hash state machine. Chosen to amortize syscall overhead
// without holding an oversized buffer per concurrent hash.
const hashBufferSize = 256 * 1024

// ProgressFunc is called after each chunk is read, with the number of bytes
// read in that chunk. It is never called with a negative or zero delta.
type ProgressFunc func(delta int64)

// HashFile streams the file at path through SHA-256 and returns its hash.
func HashFile(path string) (Hash, error) {
	return HashFileProgress(path, nil)
}

// HashFileProgress streams the file at path through SHA-256, invoking
// progress after every chunk read, and returns the final hash.
func HashFileProgress(path string, progress ProgressFunc) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, err
	}
	defer f.Close()

	return hashReaderProgress(f, progress)
}

// HashBytes computes the SHA-256 hash of an in-memory buffer.
func HashBytes(p []byte) Hash {
	d := digest.FromBytes(p)
	h, err := FromDigest(d)
	if err != nil {
		// digest.FromBytes always produces a sha256 digest; this cannot fail.
		panic(err)
	}
	return h
}

func hashReaderProgress(r io.Reader, progress ProgressFunc) (Hash, error) {
	digester := digest.SHA256.Digester()
	buf := make([]byte, hashBufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := digester.Hash().Write(buf[:n]); werr != nil {
				return Hash{}, werr
			}
			if progress != nil {
				progress(int64(n))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Hash{}, err
		}
	}

	return FromDigest(digester.Digest())
}

package export

import (
	"fmt"
	"iter"

	"github.com/banshee-data/slamserver/internal/slam"
)

const (
	// ChunkSize is the payload size of one streamed message.
	ChunkSize = 64 * 1024
	// MaxUnaryBytes caps payloads returned from unary calls; larger results
	// must use the streaming variants.
	MaxUnaryBytes = 32 * 1024 * 1024
)

// Chunk is one piece of a split buffer.
type Chunk struct {
	Payload []byte
	Final   bool
}

// Split yields buf in consecutive pieces of at most size bytes. The payloads
// alias buf. An empty buffer yields nothing. Split panics if size <= 0.
func Split(buf []byte, size int) iter.Seq[Chunk] {
	if size <= 0 {
		panic(fmt.Sprintf("export: invalid chunk size %d", size))
	}
	return func(yield func(Chunk) bool) {
		for off := 0; off < len(buf); off += size {
			end := min(off+size, len(buf))
			if !yield(Chunk{Payload: buf[off:end], Final: end == len(buf)}) {
				return
			}
		}
	}
}

// WriteChunks sends buf through send in size-byte pieces and stops at the
// first failure.
func WriteChunks(buf []byte, size int, send func([]byte) error) error {
	for c := range Split(buf, size) {
		if err := send(c.Payload); err != nil {
			return fmt.Errorf("%w (%w)", slam.ErrStreamClosed, err)
		}
	}
	return nil
}

package relay

import (
	"errors"
	"fmt"
	"io"
)

var (
	errNotObject  = errors.New("request body is not a JSON object")
	errClientGone = errors.New("client write failed")
)

// pipe copies src to dst one read at a time, flushing after every chunk so
// the client sees bytes as soon as upstream produces them. It returns nil on
// a clean EOF from src.
func pipe(dst io.Writer, flush func(), src io.Reader) (written int64, chunks int, err error) {
	buf := make([]byte, chunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, chunks, fmt.Errorf("%w: %v", errClientGone, werr)
			}
			flush()
			written += int64(n)
			chunks++
		}
		if rerr == io.EOF {
			return written, chunks, nil
		}
		if rerr != nil {
			return written, chunks, fmt.Errorf("read upstream: %w", rerr)
		}
	}
}

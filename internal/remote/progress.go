package remote

import (
	"context"
	"io"
)

// ProgressReader counts bytes read from an underlying reader and reports them
// to a ProgressFunc. Reads fail once ctx is done or the callback returns an error.
type ProgressReader struct {
	ctx      context.Context
	r        io.Reader
	progress ProgressFunc
	done     int64
}

// NewProgressReader wraps r. progress may be nil.
func NewProgressReader(ctx context.Context, r io.Reader, progress ProgressFunc) *ProgressReader {
	return &ProgressReader{ctx: ctx, r: r, progress: progress}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.progress != nil {
			if perr := p.progress(p.done); perr != nil {
				return n, perr
			}
		}
	}
	return n, err
}

// Done returns the number of bytes read so far.
func (p *ProgressReader) Done() int64 {
	return p.done
}

// Package progress reports how far a stream has been read.
package progress

import "io"

// Reader wraps an io.Reader and calls OnProgress every interval bytes and once
// more when the stream ends.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read, total int64)

	read     int64
	pending  int64
	interval int64
	finished bool
}

func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
	}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.pending += int64(n)

		if pr.pending >= pr.interval {
			pr.pending = 0
			pr.report()
		}
	}

	if err == io.EOF && !pr.finished {
		pr.finished = true
		if pr.pending > 0 {
			pr.report()
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	if pr.OnProgress != nil {
		pr.OnProgress(pr.read, pr.Total)
	}
}

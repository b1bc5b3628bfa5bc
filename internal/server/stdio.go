package server

import "io"

// stdrwc combines the process's stdin/stdout into the single
// io.ReadWriteCloser jsonrpc2.NewBufferedStream wants. Close is a no-op:
// the editor owns the pipe lifecycle, not us (§6 "standard LSP 3.17 over
// stdio both ways").
type stdrwc struct {
	io.Reader
	io.Writer
}

func (stdrwc) Close() error { return nil }

// Stdio wraps r/w (typically os.Stdin/os.Stdout) as the io.ReadWriteCloser
// Serve wants, so callers outside this package never need stdrwc itself.
func Stdio(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return stdrwc{Reader: r, Writer: w}
}

package shadowfs

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstd is registered unconditionally; xz (comp_xz.go) is registered
// only when built with the xz tag.
func init() {
	registerCompHandler(CompZstd, &compHandler{
		compress: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		decompress: func(r io.Reader) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		},
	})
}

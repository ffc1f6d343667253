//go:build xz

package shadowfs

import (
	"io"

	"github.com/ulikunitz/xz"
)

func init() {
	registerCompHandler(CompXZ, &compHandler{
		compress: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
		decompress: func(r io.Reader) (io.ReadCloser, error) {
			zr, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(zr), nil
		},
	})
}

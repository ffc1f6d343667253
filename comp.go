package shadowfs

import (
	"fmt"
	"io"
)

// Compression identifies an archive codec for Export/Import, mirroring
// the teacher's SquashComp enum and its pluggable compressor registry.
type Compression uint16

const (
	CompZstd Compression = 1
	CompXZ   Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompZstd:
		return "zstd"
	case CompXZ:
		return "xz"
	}
	return fmt.Sprintf("Compression(%d)", c)
}

// compHandler pairs a compressor and decompressor for one Compression.
// comp_zstd.go and comp_xz.go each register one via init().
type compHandler struct {
	compress   func(io.Writer) (io.WriteCloser, error)
	decompress func(io.Reader) (io.ReadCloser, error)
}

var compHandlers = map[Compression]*compHandler{}

func registerCompHandler(c Compression, h *compHandler) {
	compHandlers[c] = h
}

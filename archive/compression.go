package archive

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressionMethod names the codec an archive was compressed with. The value
// is stored alongside the uploaded archive so the restore side can pick the
// matching decompressor, so only the constants below are ever produced.
type CompressionMethod string

const (
	Zstd            CompressionMethod = "zstd"
	ZstdWithoutLong CompressionMethod = "zstd-without-long"
	Gzip            CompressionMethod = "gzip"
)

// Auto selects the default preference order.
const Auto = "auto"

// ErrUnsupportedCompression is returned for unknown method names and when no
// preferred codec is available on this host.
var ErrUnsupportedCompression = errors.New("unsupported compression method")

// longWindowSize is the largest zstd window the zstd CLI decodes without an
// explicit --long flag.
const longWindowSize = 1 << 27

type codec struct {
	available func() bool
	newWriter func(w io.Writer) (io.WriteCloser, error)
}

func always() bool { return true }

var defaultCodecs = map[CompressionMethod]codec{
	Zstd: {
		// A 128MiB window is not addressable by 32-bit decoders.
		available: func() bool { return strconv.IntSize == 64 },
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithWindowSize(longWindowSize))
		},
	},
	ZstdWithoutLong: {
		available: always,
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		},
	},
	Gzip: {
		available: always,
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, gzip.DefaultCompression)
		},
	},
}

// DefaultPreference is the negotiation order used for "auto".
func DefaultPreference() []CompressionMethod {
	return []CompressionMethod{Zstd, ZstdWithoutLong, Gzip}
}

// ParseCompressionMethod validates a method name against the supported set.
func ParseCompressionMethod(s string) (CompressionMethod, error) {
	m := CompressionMethod(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultCodecs[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCompression, s)
	}
	return m, nil
}

// ParsePreference turns a compression setting into a negotiation order.
// "auto" (or empty) yields DefaultPreference; a method name pins that method.
func ParsePreference(setting string) ([]CompressionMethod, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" || strings.EqualFold(setting, Auto) {
		return DefaultPreference(), nil
	}
	m, err := ParseCompressionMethod(setting)
	if err != nil {
		return nil, err
	}
	return []CompressionMethod{m}, nil
}

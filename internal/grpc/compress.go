package grpc

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Compressor applies symmetric compression to payload byte slices.
type Compressor interface {
	//1.- Name returns the codec identifier advertised in RPC payloads.
	Name() string
	//2.- Compress encodes the provided payload into a compressed representation.
	Compress(data []byte) ([]byte, error)
	//3.- Decompress restores the original payload from its compressed form.
	Decompress(data []byte) ([]byte, error)
}

// Encoding names accepted by ExportDirectory.
const (
	EncodingJSON   = "json"
	EncodingGZIP   = "gzip"
	EncodingSnappy = "snappy"
)

// gzipCompressor wraps the klauspost gzip implementation.
type gzipCompressor struct{}

// NewGZIPCompressor constructs a Compressor backed by gzip.
func NewGZIPCompressor() Compressor {
	return gzipCompressor{}
}

// Name reports the identifier used for gzip encoded payloads.
func (gzipCompressor) Name() string { return EncodingGZIP }

// Compress encodes data using the gzip format.
func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	//1.- Allocate a buffer so we can reuse the compressed bytes without copying.
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes gzip-encoded data and returns the raw payload.
func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}

// snappyCompressor uses the snappy block format.
type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy.
func NewSnappyCompressor() Compressor {
	return snappyCompressor{}
}

func (snappyCompressor) Name() string { return EncodingSnappy }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snappy decompress: empty payload")
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

// identityCompressor passes JSON through untouched.
type identityCompressor struct{}

func (identityCompressor) Name() string { return EncodingJSON }

func (identityCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (identityCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

var compressors = map[string]Compressor{
	EncodingJSON:   identityCompressor{},
	EncodingGZIP:   gzipCompressor{},
	EncodingSnappy: snappyCompressor{},
}

// CompressorFor resolves an encoding name. The empty name selects json.
func CompressorFor(name string) (Compressor, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = EncodingJSON
	}
	compressor, ok := compressors[name]
	return compressor, ok
}

// Encodings lists the supported encoding names.
func Encodings() []string {
	out := make([]string, 0, len(compressors))
	for name := range compressors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package grpc

import (
	"bytes"
	"testing"
)

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"name":"P1"}`), 64)
	for _, name := range Encodings() {
		compressor, ok := CompressorFor(name)
		if !ok {
			t.Fatalf("encoding %q not registered", name)
		}
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress: %v", name, err)
		}
		if len(compressed) == 0 {
			t.Fatalf("%s compressed payload empty", name)
		}
		decompressed, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress: %v", name, err)
		}
		if !bytes.Equal(decompressed, payload) {
			t.Fatalf("%s round trip mismatch", name)
		}
	}
}

func TestGZIPDecompressEmpty(t *testing.T) {
	compressor := NewGZIPCompressor()
	if _, err := compressor.Decompress(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := NewSnappyCompressor().Decompress(nil); err == nil {
		t.Fatal("expected error for empty snappy payload")
	}
}

func TestCompressorForDefaultsAndRejects(t *testing.T) {
	if compressor, ok := CompressorFor(" "); !ok || compressor.Name() != EncodingJSON {
		t.Fatalf("expected json default, got %v %v", compressor, ok)
	}
	if compressor, ok := CompressorFor("GZIP"); !ok || compressor.Name() != EncodingGZIP {
		t.Fatalf("expected case-insensitive lookup, got %v %v", compressor, ok)
	}
	if _, ok := CompressorFor("brotli"); ok {
		t.Fatal("expected unknown encoding to be rejected")
	}
}

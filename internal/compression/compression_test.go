package compression

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"streams":[{"stream":{"app":"x"},"values":[["1","line"]]}]}`), 50)

	for _, typ := range []Type{TypeNone, TypeGzip, TypeSnappy, TypeZstd} {
		t.Run(string(typ), func(t *testing.T) {
			compressed, err := Compress(payload, typ)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if typ != TypeNone && len(compressed) >= len(payload) {
				t.Errorf("compressed size %d not smaller than input %d", len(compressed), len(payload))
			}
			out, err := Decompress(compressed, typ)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"gzip", TypeGzip, false},
		{"GZIP", TypeGzip, false},
		{" snappy ", TypeSnappy, false},
		{"zstd", TypeZstd, false},
		{"lz77", TypeNone, true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentEncoding(t *testing.T) {
	if got := TypeGzip.ContentEncoding(); got != "gzip" {
		t.Errorf("gzip encoding = %q", got)
	}
	if got := TypeNone.ContentEncoding(); got != "" {
		t.Errorf("none encoding = %q, want empty", got)
	}
}

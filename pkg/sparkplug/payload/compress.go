// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package payload

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// CompressedUUID marks a payload whose body holds another, compressed payload.
const CompressedUUID = "SPBV1.0_COMPRESSED"

// MaxDecompressedSize bounds the inflated body of a compressed payload.
var MaxDecompressedSize int64 = 16 << 20

// Algorithm is a payload compression algorithm.
type Algorithm string

const (
	None    Algorithm = ""
	Deflate Algorithm = "DEFLATE"
	Gzip    Algorithm = "GZIP"
)

// ParseAlgorithm normalizes a configured algorithm name. An empty string
// means no compression.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToUpper(strings.TrimSpace(s))); a {
	case None, Deflate, Gzip:
		return a, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}

// Compress encodes p and wraps the compressed bytes in an envelope payload
// carrying the algorithm as a string metric. An empty algorithm defaults to
// DEFLATE.
func Compress(codec Codec, p *Payload, algorithm Algorithm) (*Payload, error) {
	if algorithm == None {
		algorithm = Deflate
	}
	if algorithm != Deflate && algorithm != Gzip {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(algorithm))
	}

	raw, err := codec.Encode(p)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	if algorithm == Gzip {
		w = gzip.NewWriter(&buf)
	} else {
		w = zlib.NewWriter(&buf)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}

	return &Payload{
		UUID: CompressedUUID,
		Body: buf.Bytes(),
		Metrics: []Metric{{
			Name:  "algorithm",
			Type:  String,
			Value: string(algorithm),
		}},
	}, nil
}

// MaybeDecompress returns the inner payload of a compressed envelope, or p
// unchanged when it is not compressed. GZIP and DEFLATE bodies are told
// apart by the gzip magic bytes. Bodies inflating past MaxDecompressedSize
// and envelopes nested in envelopes are rejected as malformed.
func MaybeDecompress(codec Codec, p *Payload) (*Payload, error) {
	if p == nil || p.UUID != CompressedUUID {
		return p, nil
	}

	var (
		r   io.ReadCloser
		err error
	)
	if len(p.Body) >= 2 && p.Body[0] == 0x1f && p.Body[1] == 0x8b {
		r, err = gzip.NewReader(bytes.NewReader(p.Body))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(p.Body))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing body: %v", ErrMalformed, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing body: %v", ErrMalformed, err)
	}
	if int64(len(raw)) > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: decompressed body exceeds %d bytes", ErrMalformed, MaxDecompressedSize)
	}

	inner, err := codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if inner.UUID == CompressedUUID {
		return nil, fmt.Errorf("%w: nested compressed payload", ErrMalformed)
	}
	return inner, nil
}

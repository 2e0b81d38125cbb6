// Copyright 2026 The Hyperfs Authors
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

// Package rangeutil parses HTTP Range request headers for the C6
// download path, per the byte-range forms in RFC 7233: bytes=a-b,
// bytes=a-, and bytes=-n.
package rangeutil

import (
	"strconv"
	"strings"

	"github.com/hyperfs/hyperfs/pkg/errtypes"
)

// Range is a single satisfiable byte range against a resource of known
// size: the inclusive byte offsets [Start, Start+Length-1].
type Range struct {
	Start  int64
	Length int64
}

// ContentRange renders the range as a Content-Range header value of the
// form "bytes a-b/size".
func (r Range) ContentRange(size int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.Start+r.Length-1, 10) + "/" + strconv.FormatInt(size, 10)
}

// ParseRange parses a Range header value against a resource of the given
// size. An unparseable header is reported via the returned error, in
// which case the caller falls back to serving the full resource with
// 200; a syntactically valid but unsatisfiable range is reported as
// errtypes.RangeNotSatisfiable, in which case the caller responds 416
// with "Content-Range: bytes */size".
//
// Only a single range is supported; multi-range (comma-separated)
// headers are treated as unparseable.
func ParseRange(header string, size int64) ([]Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, errtypes.BadRequest("missing bytes= prefix")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return nil, errtypes.BadRequest("multi-range not supported")
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, errtypes.BadRequest("malformed range")
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	var start, end int64
	switch {
	case startStr == "" && endStr == "":
		return nil, errtypes.BadRequest("malformed range")

	case startStr == "":
		// suffix range: bytes=-n, last n bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, errtypes.BadRequest("malformed suffix length")
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1

	case endStr == "":
		// open range: bytes=a-
		a, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || a < 0 {
			return nil, errtypes.BadRequest("malformed range start")
		}
		start = a
		end = size - 1

	default:
		a, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || a < 0 {
			return nil, errtypes.BadRequest("malformed range start")
		}
		b, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || b < 0 {
			return nil, errtypes.BadRequest("malformed range end")
		}
		start, end = a, b
	}

	if start > end || start >= size || end >= size {
		return nil, errtypes.RangeNotSatisfiable("bytes */" + strconv.FormatInt(size, 10))
	}

	return []Range{{Start: start, Length: end - start + 1}}, nil
}

package transfer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Token is the content of a resume token. Callers treat the encoded form as
// opaque bytes; only the engine that produced it interprets it.
type Token struct {
	URL          string `json:"url"`
	Partial      string `json:"partial"`
	Offset       int64  `json:"offset"`
	Total        int64  `json:"total"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Validator returns the value sent in If-Range
func (t *Token) Validator() string {
	if t.ETag != "" {
		return t.ETag
	}
	return t.LastModified
}

// Encode serializes the token
func (t *Token) Encode() []byte {
	data, _ := json.Marshal(t)
	return data
}

// DecodeToken parses a token produced by Encode
func DecodeToken(data []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if t.URL == "" || t.Partial == "" || t.Offset < 0 {
		return nil, ErrInvalidToken
	}
	if t.Partial != filepath.Base(t.Partial) || strings.ContainsAny(t.Partial, `/\`) || !strings.HasSuffix(t.Partial, partialSuffix) {
		return nil, fmt.Errorf("%w: bad partial name %q", ErrInvalidToken, t.Partial)
	}
	return &t, nil
}

// parseContentRange parses "bytes start-end/total". Total is -1 when the
// server sends "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}

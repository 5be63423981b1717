package fetcher

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"visualgrid/internal/rgrid"
)

// decodeDataURL turns data:[<mediatype>][;base64],<data> into a resource.
func decodeDataURL(raw string) (*rgrid.Resource, error) {
	comma := strings.IndexByte(raw, ',')
	if comma < 0 || len(raw) < 5 {
		return nil, &Error{URL: raw, Err: ErrMalformedDataURL}
	}
	meta := raw[5:comma]
	payload := raw[comma+1:]

	isBase64 := false
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		isBase64 = true
		meta = meta[:len(meta)-len(";base64")]
	}
	contentType := strings.TrimSpace(meta)
	if contentType == "" || strings.HasPrefix(contentType, ";") {
		contentType = "text/plain" + contentType
	}

	var content []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(payload), "="))
			if err != nil {
				return nil, &Error{URL: raw, Err: fmt.Errorf("%w: %v", ErrMalformedDataURL, err)}
			}
		}
		content = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, &Error{URL: raw, Err: fmt.Errorf("%w: %v", ErrMalformedDataURL, err)}
		}
		content = []byte(unescaped)
	}
	return rgrid.NewResource(raw, contentType, content), nil
}

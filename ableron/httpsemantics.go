package ableron

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/htmlindex"
)

// cacheableStatuses is the set of HTTP statuses §4.A permits caching for.
var cacheableStatuses = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
	300: true, 404: true, 405: true, 410: true, 414: true, 501: true,
}

// successStatuses is the subset of cacheableStatuses considered a
// successful fragment resolution.
var successStatuses = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
}

func isCacheableStatus(status int) bool {
	return cacheableStatuses[status]
}

func isSuccessStatus(status int) bool {
	return successStatuses[status]
}

var sMaxAgeRe = regexp.MustCompile(`^[1-9][0-9]*$`)

// lowerHeader normalizes a header name for case-insensitive comparisons and
// map keys; returned values are always lower-case.
func lowerHeader(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// splitCacheControl splits a Cache-Control header value into its
// lower-cased, trimmed directive tokens mapped to their (possibly empty)
// argument, per spec §4.A ("comma-split with whitespace-trim").
func splitCacheControl(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, _ := strings.Cut(part, "=")
		out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return out
}

// computeExpiration derives the absolute expiration instant of a fragment
// response from its headers, per spec §4.A precedence: s-maxage, then
// max-age (adjusted by Age), then Expires/Date, else epoch.
func computeExpiration(headers http.Header, now time.Time) time.Time {
	directives := splitCacheControl(headers.Get("Cache-Control"))

	if v, ok := directives["s-maxage"]; ok && sMaxAgeRe.MatchString(v) {
		if n, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(n) * time.Second)
		}
	}

	if v, ok := directives["max-age"]; ok && sMaxAgeRe.MatchString(v) {
		n, err := strconv.Atoi(v)
		if err == nil {
			if ageHeader := headers.Get("Age"); ageHeader != "" {
				if age, ageErr := strconv.Atoi(strings.TrimSpace(ageHeader)); ageErr == nil {
					return now.Add(time.Duration(n-age) * time.Second)
				}
			}
			return now.Add(time.Duration(n) * time.Second)
		}
	}

	if expiresHeader := headers.Get("Expires"); expiresHeader != "" {
		if strings.TrimSpace(expiresHeader) == "0" {
			return time.Time{}
		}
		if expires, err := http.ParseTime(expiresHeader); err == nil {
			if dateHeader := headers.Get("Date"); dateHeader != "" {
				if date, dateErr := http.ParseTime(dateHeader); dateErr == nil {
					return now.Add(expires.Sub(date))
				}
			}
			return expires
		}
	}

	return time.Time{}
}

// decodeBody decodes a fragment response body according to its
// Content-Encoding and the charset of its Content-Type, per spec §4.A.
func decodeBody(body []byte, headers http.Header) string {
	switch strings.ToLower(strings.TrimSpace(headers.Get("Content-Encoding"))) {
	case "", "plaintext":
		// fall through to charset decoding below
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return ""
		}
		decompressed, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return ""
		}
		body = decompressed
	default:
		return ""
	}

	return decodeCharset(body, headers.Get("Content-Type"))
}

// decodeCharset transcodes body to UTF-8 using the charset parameter of
// contentType, falling back to UTF-8 (i.e. a no-op) for missing or
// unrecognized charsets.
func decodeCharset(body []byte, contentType string) string {
	if utf8.Valid(body) && !hasExplicitNonUTF8Charset(contentType) {
		return string(body)
	}

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(body)
	}

	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return string(body)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(body)
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}

	return string(decoded)
}

func hasExplicitNonUTF8Charset(contentType string) bool {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	return charset != "" && charset != "utf-8" && charset != "utf8"
}

// parseMaxAge extracts the max-age directive (in seconds) from a
// Cache-Control header value, returning ok=false if absent or malformed.
func parseMaxAge(cacheControl string) (time.Duration, bool) {
	if cacheControl == "" {
		return 0, false
	}
	directives := splitCacheControl(cacheControl)
	v, ok := directives["max-age"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

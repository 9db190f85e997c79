package ableron

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// tagOpen matches the literal start of an include marker; scanning begins
// by finding this substring, per spec §4.E ("efficiency").
const tagOpen = "<ableron-include"

// tagRe matches a full include tag: the attribute list, then either a
// self-closing "/>" or a body terminated by the matching close tag. The
// body capture is dot-matches-newline since fallback content may span
// lines.
var tagRe = regexp.MustCompile(`(?s)^<ableron-include((?:\s+[A-Za-z_0-9-]+(?:\s*=\s*"[^"]*")?)*)\s*(?:/>|>(.*?)</ableron-include>)`)

// attrRe matches one attribute within a tag's attribute-list substring.
// Bare attributes (no "=") capture an empty value.
var attrRe = regexp.MustCompile(`([A-Za-z_0-9-]+)(?:\s*=\s*"([^"]*)")?`)

var idSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// scannedInclude is one occurrence of an include tag at a specific document
// offset. Distinct occurrences with identical raw tag text share the same
// logical Include (per the spec's equality invariant) but are spliced
// independently.
type scannedInclude struct {
	include Include
	start   int
	end     int
}

// ContainsIncludes reports whether content contains at least one include
// marker's opening literal, letting a caller skip scanning/splicing
// entirely for documents that need no transclusion (spec §4.E efficiency
// note).
func ContainsIncludes(content string) bool {
	return strings.Contains(content, tagOpen)
}

// scanIncludes locates every include tag in content in left-to-right
// document order.
func scanIncludes(content string) []scannedInclude {
	var occurrences []scannedInclude

	pos := 0
	for pos < len(content) {
		idx := strings.Index(content[pos:], tagOpen)
		if idx < 0 {
			break
		}
		start := pos + idx

		m := tagRe.FindStringSubmatchIndex(content[start:])
		if m == nil {
			// Not a well-formed tag at this position; keep scanning past
			// the literal so a stray "<ableron-include" elsewhere is still
			// found.
			pos = start + len(tagOpen)
			continue
		}

		end := start + m[1]
		attrList := content[start+m[2] : start+m[3]]
		var fallback string
		if m[4] >= 0 {
			fallback = content[start+m[4] : start+m[5]]
		}

		rawTag := content[start:end]
		occurrences = append(occurrences, scannedInclude{
			include: parseInclude(rawTag, attrList, fallback),
			start:   start,
			end:     end,
		})

		pos = end
	}

	return occurrences
}

// ScanNextInclude locates the first include tag in buf, for callers that
// must process a growing buffer incrementally (see the streaming writer).
// It returns the plain text preceding the tag, the parsed tag, its raw text,
// and the remainder of buf after the tag. complete is false when buf holds
// no fully-formed tag yet (an opening literal was found but not its close,
// or a self-close/end tag has not arrived) — the caller should keep
// accumulating input before calling again; before is still safe to flush
// in that case only up to the tag's start.
func ScanNextInclude(buf string) (before string, tag Include, raw string, rest string, complete bool) {
	idx := strings.Index(buf, tagOpen)
	if idx < 0 {
		return buf, Include{}, "", "", false
	}

	m := tagRe.FindStringSubmatchIndex(buf[idx:])
	if m == nil {
		return buf[:idx], Include{}, "", "", false
	}

	end := idx + m[1]
	attrList := buf[idx+m[2] : idx+m[3]]
	var fallback string
	if m[4] >= 0 {
		fallback = buf[idx+m[4] : idx+m[5]]
	}
	raw = buf[idx:end]

	return buf[:idx], parseInclude(raw, attrList, fallback), raw, buf[end:], true
}

// SafeFlushLength returns how many leading bytes of buf may be flushed
// without risking a torn tagOpen literal straddling the next chunk: it
// holds back a suffix of buf that could be an in-progress prefix of
// tagOpen.
func SafeFlushLength(buf string) int {
	limit := len(tagOpen) - 1
	if limit > len(buf) {
		limit = len(buf)
	}
	for k := limit; k > 0; k-- {
		if strings.HasSuffix(buf, tagOpen[:k]) {
			return len(buf) - k
		}
	}
	return len(buf)
}

// Include is a parsed include marker. Two Includes are equal (for caching
// and deduplication purposes) iff their raw tag text is identical.
type Include struct {
	rawTag   string
	attrs    map[string]string
	id       string
	fallback string
}

// parseAttributes extracts the normalized (lower-cased key) attribute map
// from an attribute-list substring.
func parseAttributes(attrList string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(attrList, -1) {
		key := strings.ToLower(m[1])
		if _, exists := attrs[key]; exists {
			continue // first occurrence of a duplicate attribute wins
		}
		attrs[key] = m[2]
	}
	return attrs
}

func parseInclude(rawTag, attrList, fallback string) Include {
	attrs := parseAttributes(attrList)

	id := attrs["id"]
	sanitized := idSanitizeRe.ReplaceAllString(id, "")
	if sanitized == "" {
		sanitized = hashRawTag(rawTag)
	}

	return Include{
		rawTag:   rawTag,
		attrs:    attrs,
		id:       sanitized,
		fallback: fallback,
	}
}

func hashRawTag(rawTag string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(rawTag))
	return strconv.FormatUint(h.Sum64(), 16)
}

// RawTag returns the include's raw tag text, which is its identity.
func (i Include) RawTag() string { return i.rawTag }

// ID returns the include's derived identifier.
func (i Include) ID() string { return i.id }

// FallbackContent returns the inline fallback text between an opening and
// closing tag, or "" for a self-closing tag.
func (i Include) FallbackContent() string { return i.fallback }

// attr returns an attribute's raw string value and whether it was present.
func (i Include) attr(name string) (string, bool) {
	v, ok := i.attrs[strings.ToLower(name)]
	return v, ok
}

// src returns the src attribute, if present.
func (i Include) src() (string, bool) { return i.attr("src") }

// fallbackSrc returns the fallback-src attribute, if present.
func (i Include) fallbackSrc() (string, bool) { return i.attr("fallback-src") }

// isPrimary reports whether the primary attribute is present with an empty
// value or a value equal case-insensitively to "primary".
func (i Include) isPrimary() bool {
	v, ok := i.attr("primary")
	if !ok {
		return false
	}
	return v == "" || strings.EqualFold(v, "primary")
}

// timeoutMillis parses a millisecond-timeout attribute. An absent or empty
// value reports ok=false; an invalid value also reports ok=false and logs a
// TagParseError per spec §7.
func (i Include) timeoutMillis(name string) (int, bool) {
	v, ok := i.attr(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logWarn("ableron: invalid timeout attribute, ignoring", zap.String("attribute", name), zap.String("value", v))
		return 0, false
	}
	return n, true
}

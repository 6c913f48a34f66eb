package ioc

import (
	"encoding/hex"
	"math"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	contextRadius       = 50
	DefaultMaxTextBytes = 1 << 20
)

var patterns = map[Type]*regexp.Regexp{
	TypeIPv4: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
	TypeIPv6: regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b|\b(?:[0-9a-fA-F]{1,4}:){1,7}:\b|\b::(?:[0-9a-fA-F]{1,4}:){0,6}[0-9a-fA-F]{1,4}\b`),
	TypeDomain: regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}\b`),
	TypeURL:    regexp.MustCompile("(?i)https?://[^\\s<>\"{}|\\\\^`\\[\\]]+"),
	TypeMD5:    regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`),
	TypeSHA1:   regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`),
	TypeSHA256: regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`),
	TypeCVE:    regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`),
	TypeEmail:  regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`),
}

// Options configures an Extractor.
type Options struct {
	// Types restricts extraction to the listed types. Empty means all.
	Types []Type
	// Refang rewrites defanged notation before matching.
	Refang bool
	// MaxTextBytes truncates oversize input. Zero means DefaultMaxTextBytes.
	MaxTextBytes int
	Lists        *Lists
	Logger       *zap.SugaredLogger
}

// DefaultOptions enables every type with refanging on.
func DefaultOptions() Options {
	return Options{Refang: true}
}

// Extractor finds, validates and scores indicators in free text. It holds no
// mutable state and is safe for concurrent use.
type Extractor struct {
	types    []Type
	refang   bool
	maxBytes int
	lists    *Lists
	logger   *zap.SugaredLogger
}

// NewExtractor builds an Extractor from opts.
func NewExtractor(opts Options) *Extractor {
	e := &Extractor{
		refang:   opts.Refang,
		maxBytes: opts.MaxTextBytes,
		lists:    opts.Lists,
		logger:   opts.Logger,
	}
	if e.maxBytes <= 0 {
		e.maxBytes = DefaultMaxTextBytes
	}
	if e.lists == nil {
		e.lists = DefaultLists()
	}
	if e.logger == nil {
		e.logger = zap.NewNop().Sugar()
	}

	// Keep the canonical type order regardless of how the caller listed them.
	enabled := make(map[Type]bool, len(opts.Types))
	for _, t := range opts.Types {
		enabled[t] = true
	}
	for _, t := range AllTypes {
		if len(enabled) == 0 || enabled[t] {
			e.types = append(e.types, t)
		}
	}
	return e
}

// Types returns the enabled types in extraction order.
func (e *Extractor) Types() []Type {
	return append([]Type(nil), e.types...)
}

// Extract returns the deduplicated indicators found in text, attributed to
// source. Malformed input yields fewer (possibly zero) indicators, never an
// error.
func (e *Extractor) Extract(text, source string) []IOC {
	return e.extract(text, source, e.types)
}

// ExtractByType is Extract restricted to a single type.
func (e *Extractor) ExtractByType(text string, t Type, source string) []IOC {
	if _, ok := patterns[t]; !ok {
		return nil
	}
	return e.extract(text, source, []Type{t})
}

func (e *Extractor) extract(text, source string, types []Type) (out []IOC) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("extraction from %s aborted: %v", source, r)
			out = nil
		}
	}()

	if text == "" {
		return nil
	}
	text = e.prepare(text, source)

	var (
		found []IOC
		index = make(map[string]int)
	)
	for _, t := range types {
		for _, loc := range patterns[t].FindAllStringIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			if t == TypeURL {
				raw = strings.TrimRight(raw, ".,;:!?)'")
			}
			if !e.valid(t, raw) {
				continue
			}

			ctx := contextAround(text, loc[0], loc[1])
			candidate := IOC{
				Type:       t,
				Value:      Normalize(t, raw),
				Source:     source,
				Context:    ctx,
				Confidence: e.confidence(t, ctx),
			}

			key := string(t) + "|" + candidate.Value
			if i, ok := index[key]; ok {
				if candidate.Confidence > found[i].Confidence {
					found[i] = candidate
				}
				continue
			}
			index[key] = len(found)
			found = append(found, candidate)
		}
	}

	e.logger.Debugf("extracted %d IOCs from %s", len(found), source)
	return found
}

// prepare repairs encoding, bounds the size and optionally refangs.
func (e *Extractor) prepare(text, source string) string {
	if !utf8.ValidString(text) {
		e.logger.Debugf("repairing invalid UTF-8 in text from %s", source)
		text = strings.ToValidUTF8(text, "�")
	}
	if len(text) > e.maxBytes {
		e.logger.Warnf("truncating %d byte text from %s to %d bytes", len(text), source, e.maxBytes)
		cut := e.maxBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if e.refang {
		text = Refang(text)
	}
	return text
}

func (e *Extractor) valid(t Type, value string) bool {
	switch t {
	case TypeDomain:
		return e.validDomain(value)
	case TypeIPv4:
		addr, err := parseIPv4(value)
		if err != nil || !addr.Is4() {
			return false
		}
		return !e.lists.IPExcluded(addr)
	case TypeIPv6:
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is6() {
			return false
		}
		return !addr.IsLoopback() && !addr.IsUnspecified()
	case TypeURL:
		u, err := url.Parse(value)
		if err != nil {
			return false
		}
		host := u.Hostname()
		if host == "" {
			return false
		}
		return !e.lists.DomainExcluded(host)
	case TypeMD5, TypeSHA1, TypeSHA256:
		if _, err := hex.DecodeString(value); err != nil {
			return false
		}
		lower := strings.ToLower(value)
		return strings.Trim(lower, "0") != "" && strings.Trim(lower, "f") != ""
	case TypeEmail:
		at := strings.LastIndexByte(value, '@')
		return at > 0 && !e.lists.DomainExcluded(value[at+1:])
	}
	return true
}

func (e *Extractor) validDomain(value string) bool {
	d := strings.ToLower(value)
	if e.lists.DomainExcluded(d) {
		return false
	}
	if len(d) < 4 || len(d) > 253 {
		return false
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return false
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 || len(tld) > 63 {
		return false
	}
	numeric := true
	for _, l := range labels {
		if strings.Trim(l, "0123456789") != "" {
			numeric = false
			break
		}
	}
	if numeric {
		return false
	}
	_, ok := dns.IsDomainName(d)
	return ok
}

func (e *Extractor) confidence(t Type, context string) float64 {
	score := 0.5 + math.Min(0.4, 0.1*float64(e.lists.KeywordHits(context)))
	if t.IsHash() {
		score += 0.2
	}
	if t == TypeCVE {
		score += 0.3
	}
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*100) / 100
}

// contextAround returns up to contextRadius bytes either side of [start,end),
// widened to rune boundaries and trimmed.
func contextAround(text string, start, end int) string {
	lo := start - contextRadius
	if lo < 0 {
		lo = 0
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	hi := end + contextRadius
	if hi > len(text) {
		hi = len(text)
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return strings.TrimSpace(text[lo:hi])
}

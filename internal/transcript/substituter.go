package transcript

import (
	"cmp"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/keyscribe/internal/transcript/phonetic"
)

// minWindowRunes is the shortest window considered for phonetic matching.
// Shorter words ("a", "to", "in") match far too many terms.
const minWindowRunes = 3

// Dictionary is the substitution configuration.
type Dictionary struct {
	// Replacements maps spoken phrases to their written form.
	Replacements map[string]string

	// Terms are canonical spellings targeted by phonetic matching.
	Terms []string

	// Threshold is the minimum similarity for a phonetic match in (0, 1].
	// Zero keeps the matcher's default.
	Threshold float64
}

type replacement struct {
	re   *regexp.Regexp
	from string
	to   string
}

// compiled is one immutable dictionary generation.
type compiled struct {
	replacements []replacement
	terms        *phonetic.Terms
	matcher      PhoneticMatcher
}

// Option is a functional option for [Substituter].
type Option func(*Substituter)

// WithMatcher overrides the phonetic matcher. By default a [phonetic.Matcher]
// built from the dictionary threshold is used.
func WithMatcher(m PhoneticMatcher) Option {
	return func(s *Substituter) { s.matcher = m }
}

// WithLogger sets the logger used to report corrections at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *Substituter) { s.log = l }
}

// Substituter applies a [Dictionary] to transcripts. The dictionary can be
// replaced at runtime with Update; Process always sees one consistent
// generation. Safe for concurrent use.
type Substituter struct {
	matcher PhoneticMatcher
	log     *slog.Logger
	cur     atomic.Pointer[compiled]
}

// NewSubstituter compiles d and returns a ready Substituter.
func NewSubstituter(d Dictionary, opts ...Option) *Substituter {
	s := &Substituter{log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.Update(d)
	return s
}

// Update replaces the dictionary.
func (s *Substituter) Update(d Dictionary) {
	c := &compiled{
		terms:   phonetic.Prepare(d.Terms),
		matcher: s.matcher,
	}
	if c.matcher == nil {
		var opts []phonetic.Option
		if d.Threshold > 0 {
			opts = append(opts,
				phonetic.WithPhoneticThreshold(d.Threshold),
				phonetic.WithFuzzyThreshold(max(d.Threshold, 0.9)),
			)
		}
		c.matcher = phonetic.New(opts...)
	}

	for from, to := range d.Replacements {
		from = strings.TrimSpace(from)
		if from == "" {
			continue
		}
		c.replacements = append(c.replacements, replacement{
			re:   regexp.MustCompile(`(?i)` + boundary(from, true) + regexp.QuoteMeta(from) + boundary(from, false)),
			from: from,
			to:   to,
		})
	}
	// Longest phrase first so "new york city" wins over "new york".
	slices.SortFunc(c.replacements, func(a, b replacement) int {
		if n := cmp.Compare(len(b.from), len(a.from)); n != 0 {
			return n
		}
		return strings.Compare(a.from, b.from)
	})
	s.cur.Store(c)
}

// boundary returns a word-boundary assertion for the start or end of phrase,
// or nothing when that end of the phrase is not a word character.
func boundary(phrase string, start bool) string {
	var r rune
	if start {
		r, _ = utf8.DecodeRuneInString(phrase)
	} else {
		r, _ = utf8.DecodeLastRuneInString(phrase)
	}
	if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
		return `\b`
	}
	return ""
}

// Process returns text with the dictionary applied.
func (s *Substituter) Process(text string) string {
	out, corrections := s.Apply(text)
	for _, c := range corrections {
		s.log.Debug("transcript: corrected", "method", c.Method, "from", c.Original, "to", c.Corrected, "confidence", c.Confidence)
	}
	return out
}

// Apply returns the corrected text and the corrections made.
func (s *Substituter) Apply(text string) (string, []Correction) {
	c := s.cur.Load()
	var corrections []Correction

	for _, r := range c.replacements {
		text = r.re.ReplaceAllStringFunc(text, func(m string) string {
			corrections = append(corrections, Correction{Original: m, Corrected: r.to, Confidence: 1, Method: "replacement"})
			return r.to
		})
	}

	if c.terms.Len() == 0 {
		return text, corrections
	}
	out, phon := applyPhonetic(text, c)
	return out, append(corrections, phon...)
}

// applyPhonetic walks the tokens of text and, at each position, tries n-gram
// windows from the longest term length down to 1. The longest match wins so
// multi-word terms take precedence over partial single-word matches, unless
// dropping the window's first or last word scores at least as well: a
// neighbouring word that does not improve the match is never consumed.
// Punctuation around a window is kept.
func applyPhonetic(text string, c *compiled) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction
	for i := 0; i < len(tokens); {
		m, ok := bestWindow(tokens[i:min(i+c.terms.MaxWords(), len(tokens))], c)
		if !ok {
			output = append(output, tokens[i])
			i++
			continue
		}
		if m.term != m.core {
			corrections = append(corrections, Correction{Original: m.core, Corrected: m.term, Confidence: m.conf, Method: "phonetic"})
		}
		output = append(output, m.lead+m.term+m.trail)
		i += m.n
	}
	return strings.Join(output, " "), corrections
}

type windowMatch struct {
	n                 int
	lead, core, trail string
	term              string
	conf              float64
}

// matchWindow matches the joined tokens against the dictionary.
func matchWindow(tokens []string, c *compiled) (windowMatch, bool) {
	lead, core, trail := splitPunct(strings.Join(tokens, " "))
	if utf8.RuneCountInString(core) < minWindowRunes {
		return windowMatch{}, false
	}
	term, conf, ok := c.matcher.MatchPrepared(core, c.terms)
	if !ok {
		return windowMatch{}, false
	}
	return windowMatch{n: len(tokens), lead: lead, core: core, trail: trail, term: term, conf: conf}, true
}

// bestWindow returns the match anchored at tokens[0], if any.
func bestWindow(tokens []string, c *compiled) (windowMatch, bool) {
	for n := len(tokens); n >= 1; n-- {
		m, ok := matchWindow(tokens[:n], c)
		if !ok {
			continue
		}
		if n == 1 {
			return m, true
		}
		if inner, ok := matchWindow(tokens[1:n], c); ok && inner.conf >= m.conf {
			continue
		}
		if shorter, ok := matchWindow(tokens[:n-1], c); ok && shorter.conf >= m.conf {
			continue
		}
		return m, true
	}
	return windowMatch{}, false
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (lead, core, trail string) {
	isPunct := func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }
	core = strings.TrimLeftFunc(s, isPunct)
	lead = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, isPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}

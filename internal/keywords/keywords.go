package keywords

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/sitewatch/internal/morph"
)

// Document is the lemma multiset of one captured page.
type Document struct {
	counts map[string]int
	tokens int
}

// Count returns how many tokens of the page reduce to lemma.
func (d *Document) Count(lemma string) int {
	if d == nil {
		return 0
	}
	return d.counts[lemma]
}

// Tokens returns the number of tokens seen on the page.
func (d *Document) Tokens() int {
	if d == nil {
		return 0
	}
	return d.tokens
}

// Match is a keyword whose occurrence count changed.
type Match struct {
	Keyword string
	Lemma   string
	Delta   int
}

// EventName is the name recorded for a keyword event.
func (m Match) EventName() string {
	return fmt.Sprintf("keyword %s detected", m.Keyword)
}

// Engine lemmatises pages and keywords with a single analyser.
type Engine struct {
	analyzer morph.Analyzer
}

// NewEngine builds an engine around analyzer.
func NewEngine(analyzer morph.Analyzer) (*Engine, error) {
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	return &Engine{analyzer: analyzer}, nil
}

// Parse builds the lemma multiset of an HTML page.
func (e *Engine) Parse(raw []byte, charsetLabel string) (*Document, error) {
	text, err := ExtractText(raw, charsetLabel)
	if err != nil {
		return nil, err
	}
	doc := &Document{counts: make(map[string]int)}
	for _, token := range Tokenize(text) {
		lemma := e.analyzer.Lemma(token)
		if lemma == "" {
			continue
		}
		doc.counts[lemma]++
		doc.tokens++
	}
	return doc, nil
}

// SearchKeywords returns lemma -> occurrence count for each keyword.
func (e *Engine) SearchKeywords(raw []byte, charsetLabel string, keywords []string) (map[string]int, error) {
	doc, err := e.Parse(raw, charsetLabel)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, kw := range e.lemmas(keywords) {
		out[kw.Lemma] = doc.Count(kw.Lemma)
	}
	return out, nil
}

// ChangedKeywords returns lemma -> (current - previous) for each keyword. A nil
// previous document counts as empty.
func (e *Engine) ChangedKeywords(current, previous *Document, keywords []string) map[string]int {
	out := make(map[string]int)
	for _, kw := range e.lemmas(keywords) {
		out[kw.Lemma] = current.Count(kw.Lemma) - previous.Count(kw.Lemma)
	}
	return out
}

// KeywordEvents returns the keywords whose count increased, ordered by lemma.
func (e *Engine) KeywordEvents(current, previous *Document, keywords []string) []Match {
	var out []Match
	for _, kw := range e.lemmas(keywords) {
		delta := current.Count(kw.Lemma) - previous.Count(kw.Lemma)
		if delta > 0 {
			kw.Delta = delta
			out = append(out, kw)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Lemma < out[j].Lemma })
	return out
}

// lemmas lemmatises keywords, keeping the first keyword per lemma.
func (e *Engine) lemmas(keywords []string) []Match {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]Match, 0, len(keywords))
	for _, raw := range keywords {
		keyword := strings.TrimSpace(raw)
		if keyword == "" {
			continue
		}
		lemma := e.analyzer.Lemma(keyword)
		if _, dup := seen[lemma]; dup {
			continue
		}
		seen[lemma] = struct{}{}
		out = append(out, Match{Keyword: keyword, Lemma: lemma})
	}
	return out
}

// Package morph normalises word forms to a comparable lemma.
//
// Lemmas are produced by Snowball stemmers: they are not dictionary forms, but
// every inflection of a word collapses to the same string, which is all the
// keyword counter needs.
package morph

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

// Supported analyser languages.
const (
	LanguageRussian = "russian"
	LanguageEnglish = "english"
	LanguageMulti   = "multi"
	LanguageNone    = "none"
)

// Analyzer maps a token to its lemma. Tokens the analyser cannot handle are
// returned lower-cased but otherwise unchanged.
type Analyzer interface {
	Lemma(token string) string
	Language() string
}

// New returns the analyser for language. An empty language selects Russian.
func New(language string) (Analyzer, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", LanguageRussian:
		return stemmer{language: LanguageRussian}, nil
	case LanguageEnglish:
		return stemmer{language: LanguageEnglish}, nil
	case LanguageMulti:
		return multi{
			cyrillic: stemmer{language: LanguageRussian},
			latin:    stemmer{language: LanguageEnglish},
		}, nil
	case LanguageNone:
		return identity{}, nil
	default:
		return nil, fmt.Errorf("unsupported analyzer language %q", language)
	}
}

// Languages lists the accepted language names.
func Languages() []string {
	return []string{LanguageRussian, LanguageEnglish, LanguageMulti, LanguageNone}
}

type stemmer struct {
	language string
}

func (s stemmer) Language() string { return s.language }

func (s stemmer) Lemma(token string) string {
	lower := normalize(token)
	if lower == "" {
		return ""
	}
	stem, err := snowball.Stem(lower, s.language, true)
	if err != nil || stem == "" {
		return lower
	}
	return stem
}

// multi picks a stemmer per token from its first letter's script.
type multi struct {
	cyrillic stemmer
	latin    stemmer
}

func (multi) Language() string { return LanguageMulti }

func (m multi) Lemma(token string) string {
	for _, r := range token {
		if !unicode.IsLetter(r) {
			continue
		}
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			return m.cyrillic.Lemma(token)
		case unicode.Is(unicode.Latin, r):
			return m.latin.Lemma(token)
		}
		break
	}
	return normalize(token)
}

type identity struct{}

func (identity) Language() string { return LanguageNone }

func (identity) Lemma(token string) string { return normalize(token) }

// normalize lower-cases the token and folds ё into е, which Russian texts use
// interchangeably.
func normalize(token string) string {
	lower := strings.ToLower(strings.TrimSpace(token))
	return strings.ReplaceAll(lower, "ё", "е")
}

// Package keywords counts keyword lemmas in HTML pages and reports which
// keywords became more frequent between two captures.
package keywords

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// ExtractText returns the visible text of an HTML document, one trimmed text
// node per line. Script, style, noscript and template contents are dropped.
func ExtractText(raw []byte, charsetLabel string) (string, error) {
	reader, err := decode(raw, charsetLabel)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	var lines []string
	for _, root := range doc.Nodes {
		collectText(root, &lines)
	}
	return strings.Join(lines, "\n"), nil
}

func collectText(n *html.Node, lines *[]string) {
	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			*lines = append(*lines, text)
		}
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, lines)
	}
}

// Tokenize splits text into runs of letters, digits and underscores.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

func decode(raw []byte, label string) (io.Reader, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return bytes.NewReader(raw), nil
	}
	reader, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
	if err != nil {
		// Unknown label: sniff the document instead.
		sniffed, sniffErr := charset.NewReader(bytes.NewReader(raw), "text/html")
		if sniffErr != nil {
			return nil, fmt.Errorf("decode charset %q: %w", label, err)
		}
		return sniffed, nil
	}
	return reader, nil
}

// ToUTF8 transcodes an HTML body from the named charset to UTF-8.
func ToUTF8(raw []byte, charsetLabel string) ([]byte, error) {
	label := strings.ToLower(strings.TrimSpace(charsetLabel))
	if label == "" || label == "utf-8" || label == "utf8" {
		return raw, nil
	}
	reader, err := decode(raw, label)
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("transcode %s: %w", label, err)
	}
	return out, nil
}

package spider

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Page is the parsed view of a fetched response handed to extractors.
// It wraps the HTML document and the link set discovered on it.
type Page struct {
	Source *types.Page

	doc  *goquery.Document
	base *url.URL
}

// NewPage parses the response body into a document. The final URL after
// redirects is used as the base for resolving relative links.
func NewPage(src *types.Page) (*Page, error) {
	if src == nil || len(src.Body) == 0 {
		return nil, fmt.Errorf("empty page body")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base := src.FinalURL
	if base == nil {
		base = src.URL
	}
	return &Page{Source: src, doc: doc, base: base}, nil
}

// Doc exposes the underlying document for custom extractors.
func (p *Page) Doc() *goquery.Document { return p.doc }

// URL returns the base URL of the page.
func (p *Page) URL() *url.URL { return p.base }

// Select returns the trimmed text contents of every node matching the
// CSS selector.
func (p *Page) Select(selector string) []string {
	var out []string
	p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

// SelectFirst returns the trimmed text of the first node matching the
// CSS selector, or the empty string.
func (p *Page) SelectFirst(selector string) string {
	return strings.TrimSpace(p.doc.Find(selector).First().Text())
}

// Attr returns the named attribute of every node matching the selector.
func (p *Page) Attr(selector, attr string) []string {
	var out []string
	p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(attr); ok {
			out = append(out, v)
		}
	})
	return out
}

// Regex returns every match of the expression over the raw body.
func (p *Page) Regex(re *regexp.Regexp) []string {
	return re.FindAllString(string(p.Source.Body), -1)
}

// Links extracts absolute http(s) links from anchor tags, resolved
// against the page base, with fragments stripped and duplicates
// removed. Order follows document order.
func (p *Page) Links() []*url.URL {
	if p.base == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var links []*url.URL
	p.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		u, err := p.base.Parse(href)
		if err != nil {
			return
		}
		u.Fragment = ""
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		links = append(links, u)
	})
	return links
}

// SelectorField builds an extractor that assigns the text of the first
// node matching a CSS selector to a named field.
func SelectorField(field, selector string) Extractor {
	return ExtractorFunc(func(page *Page) ([]types.Field, error) {
		text := page.SelectFirst(selector)
		if text == "" {
			return nil, nil
		}
		return []types.Field{{Name: field, Value: text}}, nil
	})
}

// SelectorListField builds an extractor that assigns all matching node
// texts to a named field as a string slice.
func SelectorListField(field, selector string) Extractor {
	return ExtractorFunc(func(page *Page) ([]types.Field, error) {
		values := page.Select(selector)
		if len(values) == 0 {
			return nil, nil
		}
		return []types.Field{{Name: field, Value: values}}, nil
	})
}

// RegexField builds an extractor that assigns the first match of the
// expression over the body to a named field.
func RegexField(field string, expr string) (Extractor, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile field pattern %q: %w", expr, err)
	}
	return ExtractorFunc(func(page *Page) ([]types.Field, error) {
		matches := page.Regex(re)
		if len(matches) == 0 {
			return nil, nil
		}
		return []types.Field{{Name: field, Value: matches[0]}}, nil
	}), nil
}

// Package extract reduces marketplace search pages to product candidates.
// A Pipeline sanitizes the rendered HTML and hands the fragment to a Parser
// (the content-understanding service or Claude); the SelectorExtractor reads
// candidates straight from the page markup instead.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var unwantedSelectors = []string{
	"script",
	"style",
	"noscript",
	"template",
	"title",
	"link",
	"meta",
	"base",
	"noframes",
	"nav",
	"header",
	"footer",
	"aside",
	"ads",
	"svg",
	"icon",
	`[id*="menu"]`,
	`[id*="nav"]`,
	`[id*="header"]`,
	`[id*="footer"]`,
	`[class*="menu"]`,
	`[class*="nav"]`,
	`[class*="header"]`,
	`[class*="footer"]`,
}

var mainContentSelectors = []string{"main", "article", "#content", ".content"}

var strippedAttrs = map[string]struct{}{
	"class": {},
	"style": {},
	"id":    {},
	"role":  {},
}

var strippedAttrPrefixes = []string{"on", "data-", "aria-"}

// Document roots survive empty-element pruning so the fallback to body
// always has a target.
var structuralTags = map[string]struct{}{
	"html": {},
	"head": {},
	"body": {},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Sanitize strips navigation chrome, empty containers, presentation
// attributes, and comments from a page and returns the main content region
// with whitespace collapsed. Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(rawHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	removeUnwanted(doc)
	for _, root := range doc.Nodes {
		pruneEmpty(root)
	}
	// The region is resolved before attributes are stripped so #content and
	// .content can still match.
	region, isBody := mainContent(doc)
	for _, root := range doc.Nodes {
		stripAttributes(root)
		removeComments(root)
	}

	var out string
	if isBody {
		out, err = region.Html()
	} else {
		out, err = goquery.OuterHtml(region)
	}
	if err != nil {
		return "", fmt.Errorf("render main content: %w", err)
	}
	return collapseWhitespace(out), nil
}

func removeUnwanted(doc *goquery.Document) {
	for _, sel := range unwantedSelectors {
		doc.Find(sel).Remove()
	}
}

func pruneEmpty(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		pruneEmpty(c)
		c = next
	}
	if n.Type != html.ElementNode || n.Parent == nil {
		return
	}
	if _, keep := structuralTags[n.Data]; keep {
		return
	}
	var text strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			return
		case html.TextNode:
			text.WriteString(c.Data)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		n.Parent.RemoveChild(n)
	}
}

func stripAttributes(n *html.Node) {
	if n.Type == html.ElementNode && len(n.Attr) > 0 {
		kept := n.Attr[:0]
		for _, attr := range n.Attr {
			if !isStrippedAttr(attr.Key) {
				kept = append(kept, attr)
			}
		}
		n.Attr = kept
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		stripAttributes(c)
	}
}

func isStrippedAttr(key string) bool {
	key = strings.ToLower(key)
	if _, ok := strippedAttrs[key]; ok {
		return true
	}
	for _, prefix := range strippedAttrPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func removeComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeComments(c)
		}
		c = next
	}
}

func mainContent(doc *goquery.Document) (*goquery.Selection, bool) {
	for _, sel := range mainContentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found, false
		}
	}
	return doc.Find("body").First(), true
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

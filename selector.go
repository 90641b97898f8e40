package scraper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// parseSelector compiles a CSS selector, e.g. `form#login input[name="user"]`.
func parseSelector(s string) (cascadia.Selector, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("empty selector")
	}
	sel, err := cascadia.Compile(s)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", s, err)
	}
	return sel, nil
}

// querySelector returns the first descendant of root, in document order,
// that matches sel. root itself is never returned.
func querySelector(root *html.Node, sel cascadia.Selector) *html.Node {
	return cascadia.Query(root, sel)
}

// querySelectorAll returns every descendant of root that matches sel.
func querySelectorAll(root *html.Node, sel cascadia.Selector) []*html.Node {
	return cascadia.QueryAll(root, sel)
}

package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	documentAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	maxPageSize    = 32 << 20
)

// Page is the document a browser currently shows.
type Page struct {
	URL        *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPBrowser is a script-oriented Browser over net/http. It keeps cookies,
// follows redirects and submits HTML forms; it does not run scripts. Every
// URL it loads is rewritten onto the proxy's base URL so no request can
// reach the target directly.
type HTTPBrowser struct {
	// UserAgent is sent with every request when set.
	UserAgent string

	// IdleQuiet is how long the browser must be idle for WaitForIdle to
	// return. Default 500ms.
	IdleQuiet time.Duration

	Logger *slog.Logger

	base   *url.URL
	client *http.Client

	mu   sync.Mutex
	page *Page

	closed       atomic.Bool
	inflight     atomic.Int64
	lastActivity atomic.Int64
}

// NewHTTPBrowser creates a browser that talks to baseURL.
func NewHTTPBrowser(baseURL string) (*HTTPBrowser, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	b := &HTTPBrowser{base: base, IdleQuiet: 500 * time.Millisecond}
	b.client = &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     30 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			b.rebase(req.URL)
			req.Host = ""
			return nil
		},
	}
	b.touch()
	return b, nil
}

// Page returns the current document, or nil before the first navigation.
func (b *HTTPBrowser) Page() *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

// OpenPage navigates to path, relative to the proxy base URL.
func (b *HTTPBrowser) OpenPage(ctx context.Context, path string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	u := b.base.ResolveReference(ref)
	b.rebase(u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := b.navigate(req); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	return nil
}

// WaitForIdle waits until nothing has been in flight for IdleQuiet.
func (b *HTTPBrowser) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	if b.closed.Load() {
		return ErrBrowserClosed
	}
	quiet := b.IdleQuiet
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(quiet / 5)
	defer tick.Stop()
	for {
		if b.inflight.Load() == 0 && time.Since(time.Unix(0, b.lastActivity.Load())) >= quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for idle: %w", ctx.Err())
		case <-tick.C:
			if b.closed.Load() {
				return ErrBrowserClosed
			}
		}
	}
}

// SubmitForm fills and submits a form on the current page. Only
// application/x-www-form-urlencoded bodies are produced.
func (b *HTTPBrowser) SubmitForm(ctx context.Context, spec FormSpec) error {
	page := b.Page()
	if page == nil {
		return errors.New("submit form: no page loaded")
	}
	doc, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return fmt.Errorf("submit form: parse page: %w", err)
	}

	formSel := spec.Form
	if formSel == "" {
		formSel = "form"
	}
	sel, err := parseSelector(formSel)
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	form := querySelector(doc, sel)
	if form == nil {
		return fmt.Errorf("submit form: no element matches %q", formSel)
	}

	values := formValues(form)
	for key, val := range spec.Fields {
		name, err := controlName(form, key)
		if err != nil {
			return fmt.Errorf("submit form: %w", err)
		}
		values.Set(name, val)
	}
	if spec.Submit != "" {
		ssel, err := parseSelector(spec.Submit)
		if err != nil {
			return fmt.Errorf("submit form: %w", err)
		}
		btn := querySelector(form, ssel)
		if btn == nil {
			return fmt.Errorf("submit form: no element matches %q", spec.Submit)
		}
		if name := attr(btn, "name"); name != "" {
			values.Set(name, attr(btn, "value"))
		}
	}

	action, err := page.URL.Parse(attr(form, "action"))
	if err != nil {
		return fmt.Errorf("submit form: action: %w", err)
	}
	b.rebase(action)
	action.Fragment = ""

	var req *http.Request
	if strings.EqualFold(attr(form, "method"), http.MethodPost) {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		action.RawQuery = values.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, action.String(), nil)
	}
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	if err := b.navigate(req); err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	return nil
}

// Close releases the browser's connections. It is safe to call repeatedly.
func (b *HTTPBrowser) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.client.CloseIdleConnections()
	return nil
}

// Closed reports whether Close has been called.
func (b *HTTPBrowser) Closed() bool {
	return b.closed.Load()
}

func (b *HTTPBrowser) navigate(req *http.Request) error {
	if b.closed.Load() {
		return ErrBrowserClosed
	}
	req.Header.Set("Accept", documentAccept)
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}

	b.inflight.Add(1)
	defer func() {
		b.inflight.Add(-1)
		b.touch()
	}()

	resp, err := b.client.Do(req)
	if err != nil {
		if b.closed.Load() {
			return fmt.Errorf("%w: %w", ErrBrowserClosed, err)
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	b.mu.Lock()
	b.page = &Page{URL: resp.Request.URL, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	b.mu.Unlock()

	b.logger().Debug("page loaded", "url", resp.Request.URL.String(), "status", resp.StatusCode, "bytes", len(body))
	return nil
}

// rebase points u at the proxy, keeping path and query.
func (b *HTTPBrowser) rebase(u *url.URL) {
	u.Scheme = b.base.Scheme
	u.Host = b.base.Host
	u.User = nil
}

func (b *HTTPBrowser) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *HTTPBrowser) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// HTTPLauncher launches HTTPBrowsers.
type HTTPLauncher struct {
	UserAgent string
	IdleQuiet time.Duration
	Logger    *slog.Logger
}

// Launch creates a browser bound to baseURL.
func (l *HTTPLauncher) Launch(_ context.Context, baseURL string) (Browser, error) {
	b, err := NewHTTPBrowser(baseURL)
	if err != nil {
		return nil, err
	}
	b.UserAgent = l.UserAgent
	if l.IdleQuiet > 0 {
		b.IdleQuiet = l.IdleQuiet
	}
	b.Logger = l.Logger
	return b, nil
}

var (
	formControls = cascadia.MustCompile("input[name]:not([disabled]), textarea[name]:not([disabled]), select[name]:not([disabled])")
	selectOption = cascadia.MustCompile("option")
)

// formValues collects the values a form would submit without a submitter.
func formValues(form *html.Node) url.Values {
	values := url.Values{}
	for _, n := range querySelectorAll(form, formControls) {
		name := attr(n, "name")
		switch n.DataAtom {
		case atom.Input:
			switch strings.ToLower(attr(n, "type")) {
			case "submit", "button", "image", "reset", "file":
			case "checkbox", "radio":
				if hasAttr(n, "checked") {
					v := attr(n, "value")
					if !hasAttr(n, "value") {
						v = "on"
					}
					values.Add(name, v)
				}
			default:
				values.Add(name, attr(n, "value"))
			}
		case atom.Textarea:
			values.Add(name, textContent(n))
		case atom.Select:
			options := querySelectorAll(n, selectOption)
			if len(options) == 0 {
				continue
			}
			chosen := options[0]
			for _, o := range options {
				if hasAttr(o, "selected") {
					chosen = o
					break
				}
			}
			v := attr(chosen, "value")
			if !hasAttr(chosen, "value") {
				v = strings.TrimSpace(textContent(chosen))
			}
			values.Add(name, v)
		}
	}
	return values
}

// controlName resolves a field key to a control name. Keys that parse as
// selectors matching a named control use that control's name; anything
// else is taken as the name itself.
func controlName(form *html.Node, key string) (string, error) {
	if strings.ContainsAny(key, "#.[") || strings.Contains(key, " ") {
		sel, err := parseSelector(key)
		if err != nil {
			return "", err
		}
		n := querySelector(form, sel)
		if n == nil {
			return "", fmt.Errorf("no element matches %q", key)
		}
		name := attr(n, "name")
		if name == "" {
			return "", fmt.Errorf("element %q has no name", key)
		}
		return name, nil
	}
	return key, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return sb.String()
}

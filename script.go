package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Script step actions.
const (
	ActionOpen     = "open"
	ActionWaitIdle = "wait_idle"
	ActionSubmit   = "submit"
)

// Step is one scripted browser action.
type Step struct {
	// Action is open, wait_idle or submit.
	Action string `mapstructure:"action" yaml:"action"`

	// Path is the page to open, relative to the proxy.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Form describes the form to submit.
	Form FormSpec `mapstructure:"form" yaml:"form,omitempty"`

	// Timeout overrides the driver's default for this step.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// Validate reports whether the step can run.
func (s Step) Validate() error {
	switch s.Action {
	case ActionOpen:
		if s.Path == "" {
			return fmt.Errorf("step %s: path is required", s.Action)
		}
	case ActionWaitIdle, ActionSubmit:
	default:
		return fmt.Errorf("unknown step action %q", s.Action)
	}
	return nil
}

// PageResult is what a ScriptDriver returns: the page shown after the
// last step.
type PageResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status"`
	Body       []byte `json:"-"`
}

// ScriptDriver runs a fixed list of steps. Navigations are bounded by
// NavigationTimeout and idle waits by IdleTimeout; running out of time is
// a DriverError.
type ScriptDriver struct {
	Steps []Step

	// NavigationTimeout bounds open and submit steps. Default 30s.
	NavigationTimeout time.Duration

	// IdleTimeout bounds wait_idle steps. Default 3s.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

// Run executes the steps in order against browser.
func (d *ScriptDriver) Run(ctx context.Context, proxyBaseURL string, browser Browser) (PageResult, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for i, step := range d.Steps {
		if err := step.Validate(); err != nil {
			return PageResult{}, &DriverError{Op: fmt.Sprintf("step %d", i+1), Err: err}
		}
		logger.Info("script step", "n", i+1, "action", step.Action, "path", step.Path, "proxy", proxyBaseURL)

		var err error
		switch step.Action {
		case ActionOpen:
			err = d.bounded(ctx, d.navTimeout(step), func(ctx context.Context) error {
				return browser.OpenPage(ctx, step.Path)
			})
		case ActionSubmit:
			err = d.bounded(ctx, d.navTimeout(step), func(ctx context.Context) error {
				return browser.SubmitForm(ctx, step.Form)
			})
		case ActionWaitIdle:
			timeout := step.Timeout
			if timeout == 0 {
				timeout = d.IdleTimeout
			}
			if timeout == 0 {
				timeout = 3 * time.Second
			}
			err = browser.WaitForIdle(ctx, timeout)
		}
		if err != nil {
			return PageResult{}, &DriverError{Op: fmt.Sprintf("step %d %s", i+1, step.Action), Err: err}
		}
	}

	return snapshot(browser), nil
}

func (d *ScriptDriver) navTimeout(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if d.NavigationTimeout > 0 {
		return d.NavigationTimeout
	}
	return 30 * time.Second
}

func (d *ScriptDriver) bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func snapshot(browser Browser) PageResult {
	pb, ok := browser.(interface{ Page() *Page })
	if !ok {
		return PageResult{}
	}
	page := pb.Page()
	if page == nil {
		return PageResult{}
	}
	return PageResult{URL: page.URL.String(), StatusCode: page.StatusCode, Body: page.Body}
}

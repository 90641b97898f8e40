package scraper

import (
	"context"
	"time"
)

// Browser is the handle a Driver scripts. Paths are resolved against the
// proxy's base URL, never against the real target.
type Browser interface {
	// OpenPage navigates to path and waits for the document to load.
	OpenPage(ctx context.Context, path string) error

	// WaitForIdle waits until no request has been in flight for a
	// quiet period, or fails once timeout has elapsed.
	WaitForIdle(ctx context.Context, timeout time.Duration) error

	// SubmitForm fills and submits a form on the current page.
	SubmitForm(ctx context.Context, form FormSpec) error

	// Close releases the browser. Closing twice is not an error.
	Close() error

	// Closed reports whether the browser has been torn down, either by
	// Close or because it lost its connection.
	Closed() bool
}

// FormSpec selects a form, the values to fill, and the control that
// submits it. Selectors accept tag names, #id and [attr="value"] parts,
// e.g. `form#login` or `input[name="user"]`.
type FormSpec struct {
	// Form selects the form element. Empty means the first form.
	Form string `mapstructure:"form" yaml:"form,omitempty"`

	// Fields maps control selectors (or bare control names) to values.
	Fields map[string]string `mapstructure:"fields" yaml:"fields,omitempty"`

	// Submit selects the submit control whose name/value is sent.
	// Empty submits without a submitter.
	Submit string `mapstructure:"submit" yaml:"submit,omitempty"`
}

// Launcher starts a Browser that sends its traffic to baseURL.
type Launcher interface {
	Launch(ctx context.Context, baseURL string) (Browser, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, baseURL string) (Browser, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, baseURL string) (Browser, error) {
	return f(ctx, baseURL)
}

// Driver runs a scripted workload against the proxy and returns its result.
type Driver[T any] interface {
	Run(ctx context.Context, proxyBaseURL string, browser Browser) (T, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc[T any] func(ctx context.Context, proxyBaseURL string, browser Browser) (T, error)

// Run calls f.
func (f DriverFunc[T]) Run(ctx context.Context, proxyBaseURL string, browser Browser) (T, error) {
	return f(ctx, proxyBaseURL, browser)
}

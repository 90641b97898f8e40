// Package scraper runs a scraping session through a fixed-target
// intercepting proxy. A browser is pointed at a local HTTP listener; every
// request it makes is forwarded to one configured target, optionally
// after checking the target's certificate revocation status over OCSP,
// and both directions of every exchange can be captured to disk.
//
// # Architecture
//
// A Session composes the pieces in order. IPGuard resolves the target and
// compares the address with an allow-list before anything is contacted.
// The Proxy then listens locally and forwards each request to the Target,
// choosing the OCSP-checking transport agent when the configured
// CheckFunc selects the request. CaptureStore is an Interceptor that tees
// request and response bodies into files under a timestamped session
// directory. Finally a Browser is launched against the proxy and handed
// to a Driver, whose result, or the first fatal error from any component,
// becomes the session's Outcome.
//
// # Basic Session
//
//	cfg := scraper.SessionConfig{
//	    ListenAddr: "127.0.0.1:8080",
//	    Target:     scraper.Target{Scheme: "https", Host: "www.example.com", Port: 443},
//	    OCSPCheck:  scraper.DocumentPolicy("/", "/login"),
//	    SaveRoot:   "captures",
//	}
//
//	driver := &scraper.ScriptDriver{Steps: []scraper.Step{
//	    {Action: scraper.ActionOpen, Path: "/"},
//	    {Action: scraper.ActionWaitIdle},
//	}}
//
//	session := scraper.NewSession[scraper.PageResult](cfg, &scraper.HTTPLauncher{}, driver)
//	page, err := session.Run(ctx)
//	if err != nil {
//	    os.Exit(scraper.ExitCode(err))
//	}
//
// # Custom Drivers
//
// Any function of the proxy base URL and a Browser can be a driver:
//
//	driver := scraper.DriverFunc[int](func(ctx context.Context, base string, b scraper.Browser) (int, error) {
//	    if err := b.OpenPage(ctx, "/forms/post"); err != nil {
//	        return 0, err
//	    }
//	    return len(b.(*scraper.HTTPBrowser).Page().Body), nil
//	})
//
// # Errors
//
// Failures are typed: *IPFilterViolation, *CertificateError,
// *ConnectionError, *DriverError and *CaptureWriteError. KindOf returns a
// stable kind name and ExitCode maps kinds to process exit codes. Capture
// write failures are logged and counted but never fail a session.
//
// # Captures
//
// Artifacts are written to
//
//	{root}/{yyyy-m-d-h-m-s}/{host}/{path}.{METHOD}.{kind}
//
// with kind one of request, response, certificate, issuer-certificate or
// dns-lookup. A repeated exchange within one session gets a numeric
// suffix. A session.yaml manifest is written on teardown, and an optional
// SQLite index records every completed artifact.
//
// # Admin API
//
// When SessionConfig.AdminAddr is set, a read-only API serves the
// session status, the artifact list and contents, Prometheus metrics and
// health endpoints.
package scraper

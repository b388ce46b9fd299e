// Package doctor reviews a loaded loopback configuration for settings that are
// valid but risky or inconsistent.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mattjoyce/loopback/internal/config"
)

// minSecretLength is the secret length below which a warning is raised.
const minSecretLength = 32

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration that already passed config.Load.
type Doctor struct {
	cfg       *config.Config
	integrity *config.IntegrityResult
}

// New creates a Doctor. integrity may be nil when no check was run.
func New(cfg *config.Config, integrity *config.IntegrityResult) *Doctor {
	return &Doctor{cfg: cfg, integrity: integrity}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkIntegrity(r)
	d.checkSite(r)
	d.checkSecret(r)
	d.checkDispatch(r)
	d.checkAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkIntegrity(r *Result) {
	if d.integrity == nil {
		return
	}
	for _, msg := range d.integrity.Errors {
		d.addError(r, "integrity", "", msg)
	}
	for _, msg := range d.integrity.Warnings {
		d.addWarning(r, "integrity", "", msg)
	}
}

// checkSite compares the advertised base URL with the listen address.
func (d *Doctor) checkSite(r *Result) {
	base, err := url.Parse(d.cfg.Site.BaseURL)
	if err != nil {
		d.addError(r, "site", "site.base_url", err.Error())
		return
	}

	if d.cfg.Site.Provenance == "substring" {
		d.addWarning(r, "security", "site.provenance",
			"substring matching accepts any referer that merely contains the base URL; prefer exact")
	}

	if base.Scheme == "http" && !isLoopbackHost(base.Hostname()) {
		d.addWarning(r, "security", "site.base_url",
			"dispatches travel over plain http to a non-loopback host")
	}

	_, listenPort, err := net.SplitHostPort(d.cfg.Server.Listen)
	if err != nil {
		d.addError(r, "server", "server.listen", fmt.Sprintf("invalid listen address: %v", err))
		return
	}
	if basePort := portOf(base); listenPort != "" && basePort != listenPort {
		d.addWarning(r, "site", "site.base_url",
			fmt.Sprintf("base URL port %s differs from listen port %s; dispatches reach this process only through a proxy", basePort, listenPort))
	}
}

func (d *Doctor) checkSecret(r *Result) {
	if len(d.cfg.Nonce.Secret) < minSecretLength {
		d.addWarning(r, "security", "nonce.secret",
			fmt.Sprintf("secret is %d characters; use at least %d", len(d.cfg.Nonce.Secret), minSecretLength))
	}
}

func (d *Doctor) checkDispatch(r *Result) {
	dc := d.cfg.Dispatch
	if dc.InsecureSkipVerify {
		d.addWarning(r, "security", "dispatch.insecure_skip_verify",
			"TLS certificates of the own endpoint are not verified")
	}
	if dc.AsyncTimeout > dc.BlockingTimeout {
		d.addWarning(r, "dispatch", "dispatch.async_timeout",
			fmt.Sprintf("async timeout %s exceeds blocking timeout %s", dc.AsyncTimeout, dc.BlockingTimeout))
	}
	// A token minted at the end of a tick stays valid for half a lifetime at least.
	if half := d.cfg.Nonce.Lifetime / 2; dc.BlockingTimeout > half {
		d.addWarning(r, "dispatch", "dispatch.blocking_timeout",
			fmt.Sprintf("blocking timeout %s exceeds half the token lifetime (%s)", dc.BlockingTimeout, half))
	}
}

func (d *Doctor) checkAPI(r *Result) {
	if d.cfg.Server.APIKey == "" {
		d.addWarning(r, "api", "server.api_key", "no API key set; /tasks and /events are disabled")
		return
	}
	if d.cfg.Server.APIKey == d.cfg.Nonce.Secret {
		d.addError(r, "security", "server.api_key", "API key must differ from the signing secret")
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// FormatHuman returns a human-readable summary of the result.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

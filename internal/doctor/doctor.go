// Package doctor reviews a loaded testmanager configuration for settings that
// parse cleanly but will misbehave at runtime.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quan-xiao/testmanager/internal/config"
)

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

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
	now time.Time
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, now: time.Now()}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateRedirect(r)
	d.warnAdminAPI(r)
	d.warnSweep(r)
	d.warnDiagnosticLog(r)
	d.warnUnresolvedEnvVars(r)
	d.warnUnlocked(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Driver != "sqlite" {
		return
	}
	if d.cfg.State.DSN != "" {
		d.addWarning(r, "state", "state.dsn", "dsn is ignored by the sqlite driver")
	}
	if d.cfg.Service.PIDFile == "" {
		d.addWarning(r, "state", "service.pid_file",
			"no pid_file: two coordinators could share one sqlite store")
	}
}

// validateRedirect catches a redirect that points back at this coordinator.
func (d *Doctor) validateRedirect(r *Result) {
	target := d.cfg.Dispatch.RedirectTo
	if target == "" {
		return
	}
	u, err := url.Parse(target)
	if err != nil {
		return
	}
	if sameHostPort(u.Host, d.cfg.API.Listen) {
		d.addError(r, "dispatch", "dispatch.redirect_to",
			fmt.Sprintf("redirect target %q is this coordinator's own listen address", target))
		return
	}
	d.addWarning(r, "dispatch", "dispatch.redirect_to",
		"every testbox request is redirected; this instance dispatches nothing")
}

func (d *Doctor) warnAdminAPI(r *Result) {
	if d.cfg.API.Auth.APIKey == "" {
		d.addWarning(r, "api", "api.auth.api_key",
			"no api_key: admin endpoints (enqueue, sweep, events) are disabled")
	}
}

// warnSweep flags schedules that let dead testboxes hold tasks far longer
// than the liveness timeout.
func (d *Doctor) warnSweep(r *Result) {
	if !d.cfg.Sweep.Enabled {
		d.addWarning(r, "sweep", "sweep.enabled",
			"sweep disabled: timed-out tasks are only requeued via POST /sweep or `testmanager sweep`")
		return
	}
	sched, err := cron.ParseStandard(d.cfg.Sweep.Schedule)
	if err != nil {
		d.addError(r, "sweep", "sweep.schedule",
			fmt.Sprintf("invalid schedule %q: %v", d.cfg.Sweep.Schedule, err))
		return
	}
	first := sched.Next(d.now)
	gap := sched.Next(first).Sub(first)
	if gap > d.cfg.Dispatch.LivenessTimeout {
		d.addWarning(r, "sweep", "sweep.schedule",
			fmt.Sprintf("sweep runs every %s, longer than liveness_timeout %s", gap, d.cfg.Dispatch.LivenessTimeout))
	}
}

func (d *Doctor) warnDiagnosticLog(r *Result) {
	path := d.cfg.Service.DiagnosticLog
	if path == "" {
		d.addWarning(r, "service", "service.diagnostic_log", "no diagnostic_log: diagnostics go to stderr")
		return
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		d.addWarning(r, "service", "service.diagnostic_log",
			fmt.Sprintf("directory for %q does not exist yet", path))
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnUnresolvedEnvVars warns about ${VAR} references left in secrets.
func (d *Doctor) warnUnresolvedEnvVars(r *Result) {
	fields := []struct{ name, value string }{
		{"state.dsn", d.cfg.State.DSN},
		{"dispatch.redirect_to", d.cfg.Dispatch.RedirectTo},
	}
	for _, f := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(f.value, -1) {
			d.addWarning(r, "env_vars", f.name, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

func (d *Doctor) warnUnlocked(r *Result) {
	if d.cfg.ConfigDir == "" {
		return
	}
	if _, err := os.Stat(filepath.Join(d.cfg.ConfigDir, config.ChecksumFileName)); err != nil {
		d.addWarning(r, "integrity", "",
			"config is not locked; run `testmanager config lock` to record checksums")
	}
}

func sameHostPort(a, b string) bool {
	ah, ap, err := net.SplitHostPort(a)
	if err != nil {
		return false
	}
	bh, bp, err := net.SplitHostPort(b)
	if err != nil {
		return false
	}
	if ap != bp {
		return false
	}
	norm := func(h string) string {
		switch h {
		case "", "0.0.0.0", "::", "localhost":
			return "127.0.0.1"
		}
		return h
	}
	return norm(ah) == norm(bh)
}

// FormatHuman returns a human-readable validation report.
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
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

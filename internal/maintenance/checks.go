package maintenance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/midastechnical/storefront-sync/internal/obs"
)

var (
	// ErrSecurityFinding marks a failed security check.
	ErrSecurityFinding = errors.New("security finding")
	// ErrTooSlow marks a probe that exceeded PERF_LATENCY_BUDGET_MS.
	ErrTooSlow = errors.New("latency over budget")
)

// Security audits the deployment configuration: credentials present, TLS
// verification on, an https endpoint and a backup folder others cannot write.
func (t *Tasks) Security(ctx context.Context) error {
	var findings []error
	add := func(format string, args ...any) {
		err := fmt.Errorf("%w: "+format, append([]any{ErrSecurityFinding}, args...)...)
		obs.Logger.Warn("security_finding", "finding", err.Error())
		findings = append(findings, err)
	}

	if t.rd.APIKey == "" {
		add("REPAIRDESK_API_KEY is not set")
	}
	if !t.rd.VerifyTLS {
		add("REPAIRDESK_VERIFY_TLS is disabled")
	}
	if u, err := url.Parse(t.rd.BaseURL); err != nil || u.Scheme != "https" || u.Host == "" {
		add("REPAIRDESK_BASE_URL %q is not an https URL", t.rd.BaseURL)
	}
	if info, err := os.Stat(t.cfg.BackupDir); err == nil {
		if !info.IsDir() {
			add("BACKUP_DIR %s is not a directory", t.cfg.BackupDir)
		} else if info.Mode().Perm()&0o002 != 0 {
			add("BACKUP_DIR %s is world-writable (%s)", t.cfg.BackupDir, info.Mode().Perm())
		}
	}
	if len(findings) == 0 {
		obs.Logger.Info("security_check_passed")
	}
	return errors.Join(findings...)
}

// Performance times one call to each dependency and fails when any is
// unreachable or slower than the configured budget.
func (t *Tasks) Performance(ctx context.Context) error {
	budget := t.cfg.PerfLatencyBudget
	if budget <= 0 {
		budget = 2 * time.Second
	}
	probes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"repairdesk", func(ctx context.Context) error {
			_, err := t.remote.ListInventory(ctx, 1, 1)
			return err
		}},
		{"product_store", t.products.Ping},
		{"run_log", func(ctx context.Context) error {
			_, err := t.runs.Recent(ctx, 1)
			return err
		}},
	}
	var errs []error
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 2*budget)
		start := t.now()
		err := p.fn(pctx)
		elapsed := t.now().Sub(start)
		cancel()
		obs.Logger.Info("performance_probe", "probe", p.name, "duration_ms", elapsed.Milliseconds(), "budget_ms", budget.Milliseconds(), "ok", err == nil)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		case elapsed > budget:
			errs = append(errs, fmt.Errorf("%w: %s took %s, budget %s", ErrTooSlow, p.name, elapsed, budget))
		}
	}
	return errors.Join(errs...)
}

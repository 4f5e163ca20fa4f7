// Package reconcile walks the qualified tenants and converges the
// transport rule in each one. A tenant either already matches the
// safelist, gets its rule updated, or gets the rule created. Failures
// stay scoped to their tenant.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/firefart/exosafelist/internal/exchange"
	"github.com/firefart/exosafelist/internal/faults"
	"github.com/firefart/exosafelist/internal/partner"
	"github.com/firefart/exosafelist/internal/retry"
	"github.com/firefart/exosafelist/internal/runlog"
	"github.com/firefart/exosafelist/internal/safelist"
)

// Policy decides what happens to domains already on a rule that are
// not on the safelist.
type Policy string

const (
	// PolicyReplace overwrites the rule with exactly the safelist.
	PolicyReplace Policy = "replace"
	// PolicyMerge keeps existing domains and appends missing ones.
	PolicyMerge Policy = "merge"
)

type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeUpdated
	OutcomeCreated
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeCreated:
		return "created"
	case OutcomeFailed:
		return "failed"
	default:
		return "unchanged"
	}
}

// Session is what the reconciler needs from an Exchange connection.
type Session interface {
	LookupRule(ctx context.Context, name string) (*exchange.Rule, error)
	CreateRule(ctx context.Context, name string, domains []string) error
	UpdateRule(ctx context.Context, name string, domains []string) error
}

// DialFunc opens a session against one tenant.
type DialFunc func(ctx context.Context, tenantID, organization string) (Session, error)

type Options struct {
	Dial     DialFunc
	Desired  *safelist.List
	RuleName string
	Policy   Policy
	DryRun   bool
	Workers  int
	Retry    retry.Config
	Logger   *log.Logger
	Audit    *runlog.Log
}

type Reconciler struct {
	dial     DialFunc
	desired  *safelist.List
	ruleName string
	policy   Policy
	dryRun   bool
	workers  int
	retry    retry.Config
	logger   *log.Logger
	audit    *runlog.Log
}

func New(opts Options) *Reconciler {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Reconciler{
		dial:     opts.Dial,
		desired:  opts.Desired,
		ruleName: opts.RuleName,
		policy:   opts.Policy,
		dryRun:   opts.DryRun,
		workers:  workers,
		retry:    opts.Retry,
		logger:   opts.Logger,
		audit:    opts.Audit,
	}
}

// Summary is the outcome count of one run.
type Summary struct {
	Total     int
	Created   int
	Updated   int
	Unchanged int
	Failed    int
	Errors    *multierror.Error
}

// Err returns nil when every tenant went through clean.
func (s *Summary) Err() error {
	return s.Errors.ErrorOrNil()
}

func (s *Summary) Log(logger *log.Logger) {
	logger.Info("run finished",
		"tenants", s.Total,
		"created", s.Created,
		"updated", s.Updated,
		"unchanged", s.Unchanged,
		"failed", s.Failed)
}

type result struct {
	outcome Outcome
	err     error
}

// Run converges every tenant and reports what happened. Workers share
// nothing but the safelist, results land in per-tenant slots.
func (r *Reconciler) Run(ctx context.Context, customers []partner.Customer) *Summary {
	r.logger.Info("starting run",
		"tenants", len(customers),
		"rule", r.ruleName,
		"policy", string(r.policy),
		"workers", r.workers,
		"dry_run", r.dryRun)

	results := make([]result, len(customers))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, customer := range customers {
		i, customer := i, customer
		g.Go(func() error {
			results[i] = r.reconcileTenant(ctx, customer)
			return nil
		})
	}
	_ = g.Wait()

	return summarize(results)
}

func (r *Reconciler) reconcileTenant(ctx context.Context, customer partner.Customer) result {
	logger := r.logger.With("tenant", customer.DefaultDomainName)

	var outcome Outcome
	err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
		var err error
		outcome, err = r.converge(ctx, customer, logger)
		if err != nil && faults.Fatal(err) {
			// credential problems do not heal between attempts
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		logger.Error("tenant failed", "err", err)
		r.auditf(logger, "%s: failed: %v", customer.DefaultDomainName, err)
		return result{
			outcome: OutcomeFailed,
			err:     fmt.Errorf("%s: %w", customer.DefaultDomainName, err),
		}
	}
	logger.Debug("tenant done", "outcome", outcome)
	return result{outcome: outcome}
}

// converge is one attempt at one tenant. It is safe to run again, the
// lookup decides the action fresh every time.
func (r *Reconciler) converge(ctx context.Context, customer partner.Customer, logger *log.Logger) (Outcome, error) {
	session, err := r.dial(ctx, customer.TenantID, customer.DefaultDomainName)
	if err != nil {
		return OutcomeFailed, err
	}

	rule, err := session.LookupRule(ctx, r.ruleName)
	if err != nil {
		return OutcomeFailed, err
	}

	if rule == nil {
		domains := r.desired.Domains()
		if len(domains) == 0 {
			// the loader refuses empty lists, this is the last line of
			// defense against wiping mail flow rules
			return OutcomeFailed, faults.Wrapf(faults.ErrConfiguration, "refusing to create rule %q with an empty domain list", r.ruleName)
		}
		if r.dryRun {
			logger.Info("would create rule", "rule", r.ruleName, "domains", domains)
			r.auditf(logger, "%s: would create rule %q with domains %s (dry run)", customer.DefaultDomainName, r.ruleName, strings.Join(domains, ", "))
			return OutcomeCreated, nil
		}
		if err := session.CreateRule(ctx, r.ruleName, domains); err != nil {
			return OutcomeFailed, err
		}
		logger.Info("created rule", "rule", r.ruleName, "domains", domains)
		r.auditf(logger, "%s: created rule %q with domains %s", customer.DefaultDomainName, r.ruleName, strings.Join(domains, ", "))
		return OutcomeCreated, nil
	}

	domains, changed := r.target(rule.SenderDomainIs)
	if !changed {
		logger.Debug("rule is up to date", "rule", r.ruleName)
		r.auditf(logger, "%s: rule %q is up to date", customer.DefaultDomainName, r.ruleName)
		return OutcomeUnchanged, nil
	}
	if len(domains) == 0 {
		return OutcomeFailed, faults.Wrapf(faults.ErrConfiguration, "refusing to strip rule %q down to an empty domain list", r.ruleName)
	}

	// update lines carry the full new state and the newly added domains
	added := r.desired.Missing(rule.SenderDomainIs)
	if r.dryRun {
		logger.Info("would update rule", "rule", r.ruleName, "domains", domains, "added", added)
		r.auditf(logger, "%s: would update rule %q to domains %s%s (dry run)", customer.DefaultDomainName, r.ruleName, strings.Join(domains, ", "), addedSuffix(added))
		return OutcomeUpdated, nil
	}
	if err := session.UpdateRule(ctx, r.ruleName, domains); err != nil {
		return OutcomeFailed, err
	}
	logger.Info("updated rule", "rule", r.ruleName, "domains", domains, "added", added)
	r.auditf(logger, "%s: updated rule %q to domains %s%s", customer.DefaultDomainName, r.ruleName, strings.Join(domains, ", "), addedSuffix(added))
	return OutcomeUpdated, nil
}

func addedSuffix(added []string) string {
	if len(added) == 0 {
		return ""
	}
	return fmt.Sprintf(" (added %s)", strings.Join(added, ", "))
}

// target computes the new domain list for an existing rule, and
// whether a write is needed at all.
func (r *Reconciler) target(current []string) ([]string, bool) {
	switch r.policy {
	case PolicyMerge:
		missing := r.desired.Missing(current)
		if len(missing) == 0 {
			return nil, false
		}
		return append(append([]string{}, current...), missing...), true
	default:
		if sameDomains(current, r.desired.Domains()) {
			return nil, false
		}
		return r.desired.Domains(), true
	}
}

func sameDomains(current, desired []string) bool {
	currentSet := toSet(current)
	desiredSet := toSet(desired)
	if len(currentSet) != len(desiredSet) {
		return false
	}
	for domain := range desiredSet {
		if _, ok := currentSet[domain]; !ok {
			return false
		}
	}
	return true
}

func toSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, domain := range domains {
		set[strings.ToLower(domain)] = struct{}{}
	}
	return set
}

func (r *Reconciler) auditf(logger *log.Logger, format string, a ...any) {
	if err := r.audit.Logf(format, a...); err != nil {
		logger.Warn("could not write to the run log", "err", err)
	}
}

func summarize(results []result) *Summary {
	s := &Summary{Total: len(results)}
	for _, res := range results {
		switch res.outcome {
		case OutcomeCreated:
			s.Created++
		case OutcomeUpdated:
			s.Updated++
		case OutcomeFailed:
			s.Failed++
			s.Errors = multierror.Append(s.Errors, res.err)
		default:
			s.Unchanged++
		}
	}
	return s
}

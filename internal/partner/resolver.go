package partner

import (
	"context"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/firefart/exosafelist/internal/runlog"
)

// Resolver narrows the raw customer list down to tenants that hold a
// qualifying subscription and live under the managed domain suffix.
type Resolver struct {
	dir      Directory
	products []string
	suffix   string
	logger   *log.Logger
	audit    *runlog.Log
}

// NewResolver builds a resolver. products are matched as
// case insensitive substrings against sku part numbers and service
// plan names, suffix against the tenant default domain. Failures that
// skip a customer are mirrored to the run log.
func NewResolver(dir Directory, products []string, suffix string, logger *log.Logger, audit *runlog.Log) *Resolver {
	upper := make([]string, 0, len(products))
	for _, product := range products {
		upper = append(upper, strings.ToUpper(product))
	}
	return &Resolver{
		dir:      dir,
		products: upper,
		suffix:   strings.ToLower(suffix),
		logger:   logger,
		audit:    audit,
	}
}

// Qualified returns the tenants the run should touch, sorted by their
// default domain. A customer whose subscriptions cannot be read is
// logged and skipped, one broken tenant must not kill the whole run.
func (r *Resolver) Qualified(ctx context.Context) ([]Customer, error) {
	customers, err := r.dir.Customers(ctx)
	if err != nil {
		return nil, err
	}

	var qualified []Customer
	for _, customer := range customers {
		logger := r.logger.With("tenant", customer.DefaultDomainName)

		if customer.DefaultDomainName == "" {
			logger.Warn("customer has no default domain, skipping", "id", customer.TenantID)
			r.auditf(logger, "%s: customer has no default domain, skipping", customer.TenantID)
			continue
		}

		skus, err := r.dir.CustomerSkus(ctx, customer.TenantID)
		if err != nil {
			logger.Warn("could not read subscriptions, skipping", "err", err)
			r.auditf(logger, "%s: could not read subscriptions, skipping: %v", customer.DefaultDomainName, err)
			continue
		}
		if !r.qualifies(skus) {
			logger.Info("no qualifying subscription, skipping")
			continue
		}

		if !strings.HasSuffix(strings.ToLower(customer.DefaultDomainName), r.suffix) {
			logger.Info("tenant outside the managed domain suffix, skipping")
			continue
		}

		qualified = append(qualified, customer)
	}

	sort.Slice(qualified, func(i, j int) bool {
		return qualified[i].DefaultDomainName < qualified[j].DefaultDomainName
	})

	r.logger.Info("resolved qualifying tenants", "total", len(customers), "qualified", len(qualified))
	return qualified, nil
}

func (r *Resolver) qualifies(skus []Sku) bool {
	for _, sku := range skus {
		if !strings.EqualFold(sku.CapabilityStatus, "Enabled") {
			continue
		}
		if r.matches(sku.PartNumber) {
			return true
		}
		for _, plan := range sku.ServicePlans {
			if r.matches(plan) {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) matches(name string) bool {
	if name == "" {
		return false
	}
	upper := strings.ToUpper(name)
	for _, product := range r.products {
		if strings.Contains(upper, product) {
			return true
		}
	}
	return false
}

func (r *Resolver) auditf(logger *log.Logger, format string, a ...any) {
	if err := r.audit.Logf(format, a...); err != nil {
		logger.Warn("could not write to the run log", "err", err)
	}
}

// Package partner enumerates the customer tenants visible to the
// partner account and narrows them down to the ones this tool manages.
package partner

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/firefart/exosafelist/internal/faults"
	"github.com/firefart/exosafelist/internal/msauth"
)

// Customer is one tenant under the partner contract.
type Customer struct {
	TenantID          string
	DisplayName       string
	DefaultDomainName string
}

// Sku is a subscription a customer tenant holds.
type Sku struct {
	PartNumber       string
	CapabilityStatus string
	ServicePlans     []string
}

// Directory is the partner view of the Graph API. The resolver only
// needs these two reads, which keeps tests away from the real API.
type Directory interface {
	Customers(ctx context.Context) ([]Customer, error)
	CustomerSkus(ctx context.Context, tenantID string) ([]Sku, error)
}

type GraphDirectory struct {
	partnerTenant string
	auth          *msauth.Provider
	logger        *log.Logger
}

func NewGraphDirectory(partnerTenant string, auth *msauth.Provider, logger *log.Logger) *GraphDirectory {
	return &GraphDirectory{
		partnerTenant: partnerTenant,
		auth:          auth,
		logger:        logger,
	}
}

// Customers pages through the partner contracts. The result is
// deduplicated, a customer shows up once per contract type.
func (d *GraphDirectory) Customers(ctx context.Context) ([]Customer, error) {
	client, err := d.auth.GraphClient(d.partnerTenant)
	if err != nil {
		return nil, err
	}

	resp, err := client.Contracts().Get(ctx, nil)
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConnection, "could not list customers: %w", graphError(err))
	}
	iterator, err := msgraphcore.NewPageIterator[models.Contractable](resp, client.GetAdapter(), models.CreateContractCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConnection, "could not page customers: %w", graphError(err))
	}

	var customers []Customer
	seen := make(map[string]struct{})
	err = iterator.Iterate(ctx, func(contract models.Contractable) bool {
		customer := Customer{
			DisplayName:       str(contract.GetDisplayName()),
			DefaultDomainName: str(contract.GetDefaultDomainName()),
		}
		if id := contract.GetCustomerId(); id != nil {
			customer.TenantID = id.String()
		}
		if customer.TenantID == "" {
			return true
		}
		if _, ok := seen[customer.TenantID]; ok {
			return true
		}
		seen[customer.TenantID] = struct{}{}
		customers = append(customers, customer)
		return true
	})
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConnection, "could not page customers: %w", graphError(err))
	}

	d.logger.Debug("listed partner customers", "count", len(customers))
	return customers, nil
}

// CustomerSkus reads the subscriptions of one customer tenant with the
// same app credential, scoped to that tenant.
func (d *GraphDirectory) CustomerSkus(ctx context.Context, tenantID string) ([]Sku, error) {
	client, err := d.auth.GraphClient(tenantID)
	if err != nil {
		return nil, err
	}

	resp, err := client.SubscribedSkus().Get(ctx, nil)
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConnection, "could not list subscriptions of tenant %s: %w", tenantID, graphError(err))
	}

	var skus []Sku
	for _, entry := range resp.GetValue() {
		sku := Sku{
			PartNumber:       str(entry.GetSkuPartNumber()),
			CapabilityStatus: str(entry.GetCapabilityStatus()),
		}
		for _, plan := range entry.GetServicePlans() {
			if name := str(plan.GetServicePlanName()); name != "" {
				sku.ServicePlans = append(sku.ServicePlans, name)
			}
		}
		skus = append(skus, sku)
	}
	return skus, nil
}

// graphError unwraps the odata error body, the default Error() of the
// generated type is useless in logs.
func graphError(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		if inner := odataErr.GetErrorEscaped(); inner != nil {
			return fmt.Errorf("error code %s: %s", str(inner.GetCode()), str(inner.GetMessage()))
		}
	}
	return err
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

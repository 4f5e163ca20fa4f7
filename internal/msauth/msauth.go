// Package msauth holds the partner app registration and hands out
// credentials scoped to individual tenants. The same app authenticates
// into the partner tenant for discovery and into each customer tenant
// for the actual rule work.
package msauth

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	kiotaauth "github.com/microsoft/kiota-authentication-azure-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"golang.org/x/crypto/pkcs12"

	"github.com/firefart/exosafelist/internal/faults"
)

const (
	GraphScope   = "https://graph.microsoft.com/.default"
	OutlookScope = "https://outlook.office.com/.default"
)

type Provider struct {
	clientID    string
	secret      string
	pfxData     []byte
	pfxPassword string

	mutex sync.Mutex
	creds map[string]azcore.TokenCredential
}

// New builds the provider from the app registration material. Either a
// client secret or a pfx certificate must be present.
func New(clientID, secret, certificateFile, certificatePassword string) (*Provider, error) {
	p := &Provider{
		clientID:    clientID,
		secret:      secret,
		pfxPassword: certificatePassword,
		creds:       make(map[string]azcore.TokenCredential),
	}
	if certificateFile != "" {
		data, err := os.ReadFile(certificateFile) // nolint: gosec
		if err != nil {
			return nil, faults.Wrapf(faults.ErrConfiguration, "could not read certificate %s: %w", certificateFile, err)
		}
		p.pfxData = data
	}
	if p.secret == "" && p.pfxData == nil {
		return nil, faults.Wrapf(faults.ErrConfiguration, "no client secret or certificate provided")
	}
	return p, nil
}

// Credential returns the app credential scoped to the given tenant,
// building it once per tenant.
func (p *Provider) Credential(tenantID string) (azcore.TokenCredential, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if cred, ok := p.creds[tenantID]; ok {
		return cred, nil
	}

	var cred azcore.TokenCredential
	var err error
	if p.pfxData != nil {
		cred, err = p.certificateCredential(tenantID)
	} else {
		cred, err = azidentity.NewClientSecretCredential(tenantID, p.clientID, p.secret, nil)
	}
	if err != nil {
		return nil, faults.Wrapf(faults.ErrAuthentication, "could not build credential for tenant %s: %w", tenantID, err)
	}
	p.creds[tenantID] = cred
	return cred, nil
}

func (p *Provider) certificateCredential(tenantID string) (azcore.TokenCredential, error) {
	key, cert, err := pkcs12.Decode(p.pfxData, p.pfxPassword)
	if err != nil {
		return nil, fmt.Errorf("could not decode pfx: %w", err)
	}
	privKey, ok := key.(crypto.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("decoded key is not a private key")
	}
	opts := &azidentity.ClientCertificateCredentialOptions{
		SendCertificateChain: true,
	}
	return azidentity.NewClientCertificateCredential(tenantID, p.clientID, []*x509.Certificate{cert}, privKey, opts)
}

// Verify proves the credential against the partner tenant before the
// run fans out to customers.
func (p *Provider) Verify(ctx context.Context, tenantID string) error {
	cred, err := p.Credential(tenantID)
	if err != nil {
		return err
	}
	if _, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{GraphScope}}); err != nil {
		return faults.Wrapf(faults.ErrAuthentication, "could not authenticate against tenant %s: %w", tenantID, err)
	}
	return nil
}

// GraphClient builds a Graph client for the tenant through the azure
// identity authentication provider.
func (p *Provider) GraphClient(tenantID string) (*msgraphsdk.GraphServiceClient, error) {
	cred, err := p.Credential(tenantID)
	if err != nil {
		return nil, err
	}
	auth, err := kiotaauth.NewAzureIdentityAuthenticationProviderWithScopes(cred, []string{GraphScope})
	if err != nil {
		return nil, faults.Wrapf(faults.ErrAuthentication, "could not build authentication provider: %w", err)
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapter(auth)
	if err != nil {
		return nil, faults.Wrapf(faults.ErrAuthentication, "could not build request adapter: %w", err)
	}
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

// ExchangeToken mints a token for the Exchange management endpoint of
// the given tenant. Failures are tenant-scoped, the caller decides to
// skip, not abort.
func (p *Provider) ExchangeToken(ctx context.Context, tenantID string) (string, error) {
	cred, err := p.Credential(tenantID)
	if err != nil {
		return "", err
	}
	token, err := cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{OutlookScope},
	})
	if err != nil {
		return "", faults.Wrapf(faults.ErrConnection, "could not get exchange token for tenant %s: %w", tenantID, err)
	}
	return token.Token, nil
}

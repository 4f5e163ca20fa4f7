// Package exchange drives the Exchange Online transport rule cmdlets
// through a local pwsh bridge. Every operation is a self contained
// script that connects, runs its cmdlet and disconnects again, so no
// remote session state survives between calls.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/firefart/exosafelist/internal/faults"
	"github.com/firefart/exosafelist/internal/powershell"
)

const connectPreamble = `$ErrorActionPreference = "Stop"
$appId = %s
$organization = %s
$outlookToken = %s
Install-Module -Name ExchangeOnlineManagement -Scope CurrentUser -Force
Import-Module ExchangeOnlineManagement
Connect-ExchangeOnline -AccessToken $outlookToken -AppID $appId -Organization $organization -ShowBanner:$false -ShowProgress:$false
`

const lookupBody = `
$TransportRule = (Get-TransportRule -Identity %s)
$rule = New-Object PSObject
Add-Member -InputObject $rule -MemberType NoteProperty -Name Name -Value $TransportRule.Name
Add-Member -InputObject $rule -MemberType NoteProperty -Name SenderDomainIs -Value @($TransportRule.SenderDomainIs)
Add-Member -InputObject $rule -MemberType NoteProperty -Name State -Value ([string]$TransportRule.State)
Add-Member -InputObject $rule -MemberType NoteProperty -Name Mode -Value ([string]$TransportRule.Mode)

Disconnect-ExchangeOnline -Confirm:$false

ConvertTo-Json -Depth 4 $rule
`

const createBody = `
New-TransportRule -Name %s -SenderDomainIs %s -HeaderContainsMessageHeader 'Authentication-Results' -HeaderContainsWords 'dmarc=pass','dmarc=bestguesspass' -SetSCL -1 -Enabled $true -Mode Enforce -Comments %s | Out-Null

Disconnect-ExchangeOnline -Confirm:$false
`

const updateBody = `
Set-TransportRule -Identity %s -SenderDomainIs %s

Disconnect-ExchangeOnline -Confirm:$false
`

const ruleComment = "Managed by exosafelist. Do not edit by hand, changes are overwritten on the next run."

// Rule is the slice of a transport rule the reconciler cares about.
type Rule struct {
	Name           string   `json:"Name"`
	SenderDomainIs []string `json:"SenderDomainIs"`
	State          string   `json:"State"`
	Mode           string   `json:"Mode"`
}

// Runner abstracts the pwsh process so tests can capture scripts
// instead of spawning one.
type Runner interface {
	Run(ctx context.Context, script string) (*powershell.Result, error)
}

// TokenSource mints Exchange access tokens per tenant.
type TokenSource interface {
	ExchangeToken(ctx context.Context, tenantID string) (string, error)
}

type Dialer struct {
	appID  string
	tokens TokenSource
	runner Runner
	logger *log.Logger
}

func NewDialer(appID string, tokens TokenSource, runner Runner, logger *log.Logger) *Dialer {
	return &Dialer{
		appID:  appID,
		tokens: tokens,
		runner: runner,
		logger: logger,
	}
}

// Dial prepares a session against one customer tenant. The token is
// minted here so auth problems surface before any cmdlet runs.
func (d *Dialer) Dial(ctx context.Context, tenantID, organization string) (*Session, error) {
	token, err := d.tokens.ExchangeToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Session{
		runner:       d.runner,
		logger:       d.logger.With("organization", organization),
		appID:        d.appID,
		organization: organization,
		token:        token,
	}, nil
}

// Session runs transport rule operations against a single tenant.
type Session struct {
	runner       Runner
	logger       *log.Logger
	appID        string
	organization string
	token        string
}

// LookupRule fetches the named transport rule. A missing rule is not
// an error, it returns nil so the caller can create it.
func (s *Session) LookupRule(ctx context.Context, name string) (*Rule, error) {
	res, err := s.run(ctx, fmt.Sprintf(lookupBody, quote(name)))
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		if isNotFound(res.Stderr) {
			return nil, nil
		}
		return nil, faults.Wrapf(faults.ErrRemoteOperation, "could not look up rule %q on %s: %s", name, s.organization, excerpt(res.Stderr))
	}

	var rule Rule
	if err := json.Unmarshal([]byte(jsonPayload(res.Stdout)), &rule); err != nil {
		return nil, faults.Wrapf(faults.ErrRemoteOperation, "could not parse rule %q on %s: %w", name, s.organization, err)
	}
	return &rule, nil
}

// CreateRule creates the rule with the full condition set. Only the
// domain list varies, everything else is fixed.
func (s *Session) CreateRule(ctx context.Context, name string, domains []string) error {
	body := fmt.Sprintf(createBody, quote(name), quoteList(domains), quote(ruleComment))
	res, err := s.run(ctx, body)
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return faults.Wrapf(faults.ErrRemoteOperation, "could not create rule %q on %s: %s", name, s.organization, excerpt(res.Stderr))
	}
	return nil
}

// UpdateRule overwrites the domain list of an existing rule. The rest
// of the rule is left untouched.
func (s *Session) UpdateRule(ctx context.Context, name string, domains []string) error {
	body := fmt.Sprintf(updateBody, quote(name), quoteList(domains))
	res, err := s.run(ctx, body)
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return faults.Wrapf(faults.ErrRemoteOperation, "could not update rule %q on %s: %s", name, s.organization, excerpt(res.Stderr))
	}
	return nil
}

func (s *Session) run(ctx context.Context, body string) (*powershell.Result, error) {
	script := fmt.Sprintf(connectPreamble, quote(s.appID), quote(s.organization), quote(s.token)) + body
	s.logger.Debug("running exchange script", "bytes", len(script))
	res, err := s.runner.Run(ctx, script)
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConnection, "could not reach exchange online for %s: %w", s.organization, err)
	}
	return res, nil
}

// quote wraps a value in PowerShell single quotes, doubling any quote
// inside it.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteList(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, item := range items {
		quoted = append(quoted, quote(item))
	}
	return strings.Join(quoted, ",")
}

// jsonPayload cuts module install chatter that may precede the
// ConvertTo-Json output.
func jsonPayload(stdout string) string {
	if idx := strings.Index(stdout, "{"); idx >= 0 {
		return stdout[idx:]
	}
	return stdout
}

func isNotFound(stderr string) bool {
	return strings.Contains(stderr, "couldn't be found") ||
		strings.Contains(stderr, "ManagementObjectNotFoundException")
}

// excerpt keeps error lines readable when the module dumps a full
// stack trace on stderr.
func excerpt(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if idx := strings.IndexByte(stderr, '\n'); idx >= 0 {
		stderr = strings.TrimSpace(stderr[:idx])
	}
	const max = 300
	if len(stderr) > max {
		stderr = stderr[:max]
	}
	if stderr == "" {
		return "no error output"
	}
	return stderr
}

package exchange

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/firefart/exosafelist/internal/faults"
	"github.com/firefart/exosafelist/internal/powershell"
)

const ruleName = "Inbound sender domain safelist"

type fakeRunner struct {
	script string
	res    *powershell.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, script string) (*powershell.Result, error) {
	f.script = script
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) ExchangeToken(_ context.Context, _ string) (string, error) {
	return f.token, f.err
}

func testSession(t *testing.T, runner *fakeRunner) *Session {
	t.Helper()
	dialer := NewDialer("2c121cb8-2706-448c-b39e-a4bcd1e6a28b", &fakeTokens{token: "tok-123"}, runner, log.New(io.Discard))
	session, err := dialer.Dial(context.Background(), "c2a06a7d-54a1-4f4c-9c6e-48f4df1b5d6d", "contoso.onmicrosoft.com")
	if err != nil {
		t.Fatalf("could not dial: %v", err)
	}
	return session
}

func TestDialTokenError(t *testing.T) {
	tokenErr := faults.Wrapf(faults.ErrConnection, "token endpoint unreachable")
	dialer := NewDialer("app", &fakeTokens{err: tokenErr}, &fakeRunner{}, log.New(io.Discard))
	_, err := dialer.Dial(context.Background(), "tenant", "contoso.onmicrosoft.com")
	if !errors.Is(err, faults.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestLookupRule(t *testing.T) {
	runner := &fakeRunner{res: &powershell.Result{
		Stdout: "WARNING: module chatter\n{\"Name\":\"" + ruleName + "\",\"SenderDomainIs\":[\"contoso.com\",\"fabrikam.com\"],\"State\":\"Enabled\",\"Mode\":\"Enforce\"}",
	}}
	session := testSession(t, runner)

	rule, err := session.LookupRule(context.Background(), ruleName)
	if err != nil {
		t.Fatalf("could not look up rule: %v", err)
	}
	if rule == nil {
		t.Fatal("expected a rule")
	}
	if rule.Name != ruleName {
		t.Errorf("wrong name %q", rule.Name)
	}
	if len(rule.SenderDomainIs) != 2 || rule.SenderDomainIs[0] != "contoso.com" {
		t.Errorf("wrong domains %v", rule.SenderDomainIs)
	}
	if rule.State != "Enabled" || rule.Mode != "Enforce" {
		t.Errorf("wrong state %q mode %q", rule.State, rule.Mode)
	}

	for _, want := range []string{
		"Connect-ExchangeOnline -AccessToken $outlookToken -AppID $appId -Organization $organization",
		"$organization = 'contoso.onmicrosoft.com'",
		"$outlookToken = 'tok-123'",
		"Get-TransportRule -Identity 'Inbound sender domain safelist'",
		"Disconnect-ExchangeOnline -Confirm:$false",
	} {
		if !strings.Contains(runner.script, want) {
			t.Errorf("script is missing %q", want)
		}
	}
}

func TestLookupRuleMissing(t *testing.T) {
	runner := &fakeRunner{res: &powershell.Result{
		ExitStatus: 1,
		Stderr:     "The operation couldn't be performed because object 'Inbound sender domain safelist' couldn't be found.",
	}}
	session := testSession(t, runner)

	rule, err := session.LookupRule(context.Background(), ruleName)
	if err != nil {
		t.Fatalf("a missing rule is not an error: %v", err)
	}
	if rule != nil {
		t.Fatalf("expected no rule, got %+v", rule)
	}
}

func TestLookupRuleRemoteError(t *testing.T) {
	runner := &fakeRunner{res: &powershell.Result{
		ExitStatus: 1,
		Stderr:     "UnauthorizedAccessException: access to the organization is denied\nat line 7",
	}}
	session := testSession(t, runner)

	_, err := session.LookupRule(context.Background(), ruleName)
	if !errors.Is(err, faults.ErrRemoteOperation) {
		t.Fatalf("expected a remote operation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "access to the organization is denied") {
		t.Errorf("error should carry the first stderr line: %v", err)
	}
	if strings.Contains(err.Error(), "at line 7") {
		t.Errorf("error should not carry the stack trace: %v", err)
	}
}

func TestLookupRuleRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("pwsh crashed")}
	session := testSession(t, runner)

	_, err := session.LookupRule(context.Background(), ruleName)
	if !errors.Is(err, faults.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestCreateRule(t *testing.T) {
	runner := &fakeRunner{res: &powershell.Result{}}
	session := testSession(t, runner)

	if err := session.CreateRule(context.Background(), ruleName, []string{"contoso.com", "fabrikam.com"}); err != nil {
		t.Fatalf("could not create rule: %v", err)
	}

	for _, want := range []string{
		"New-TransportRule -Name 'Inbound sender domain safelist'",
		"-SenderDomainIs 'contoso.com','fabrikam.com'",
		"-HeaderContainsMessageHeader 'Authentication-Results'",
		"-HeaderContainsWords 'dmarc=pass','dmarc=bestguesspass'",
		"-SetSCL -1",
		"-Enabled $true",
		"-Mode Enforce",
	} {
		if !strings.Contains(runner.script, want) {
			t.Errorf("script is missing %q", want)
		}
	}
}

func TestUpdateRule(t *testing.T) {
	runner := &fakeRunner{res: &powershell.Result{}}
	session := testSession(t, runner)

	if err := session.UpdateRule(context.Background(), ruleName, []string{"tailspintoys.com"}); err != nil {
		t.Fatalf("could not update rule: %v", err)
	}

	if !strings.Contains(runner.script, "Set-TransportRule -Identity 'Inbound sender domain safelist' -SenderDomainIs 'tailspintoys.com'") {
		t.Errorf("unexpected update script:\n%s", runner.script)
	}
	if strings.Contains(runner.script, "New-TransportRule") {
		t.Error("update must not create a rule")
	}
}

func TestUpdateRuleRemoteError(t *testing.T) {
	runner := &fakeRunner{res: &powershell.Result{ExitStatus: 1, Stderr: "quota exceeded"}}
	session := testSession(t, runner)

	err := session.UpdateRule(context.Background(), ruleName, []string{"contoso.com"})
	if !errors.Is(err, faults.ErrRemoteOperation) {
		t.Fatalf("expected a remote operation error, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	if got := quote("O'Brien & Sons"); got != "'O''Brien & Sons'" {
		t.Errorf("quote() = %q", got)
	}
	if got := quoteList([]string{"a.com", "o'b.com"}); got != "'a.com','o''b.com'" {
		t.Errorf("quoteList() = %q", got)
	}
}

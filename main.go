package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/firefart/exosafelist/internal/config"
	"github.com/firefart/exosafelist/internal/dns"
	"github.com/firefart/exosafelist/internal/exchange"
	"github.com/firefart/exosafelist/internal/faults"
	"github.com/firefart/exosafelist/internal/msauth"
	"github.com/firefart/exosafelist/internal/partner"
	"github.com/firefart/exosafelist/internal/powershell"
	"github.com/firefart/exosafelist/internal/reconcile"
	"github.com/firefart/exosafelist/internal/retry"
	"github.com/firefart/exosafelist/internal/runlog"
	"github.com/firefart/exosafelist/internal/safelist"
)

const secretEnv = "EXOSAFELIST_CLIENT_SECRET"

// sysexits style codes so wrapping scripts can tell configuration and
// permission problems apart from tenant failures
const (
	exitOK     = 0
	exitFailed = 1
	exitNoPerm = 77 // EX_NOPERM
	exitConfig = 78 // EX_CONFIG
)

// errTenantsFailed marks a run that went through but left tenants
// failed. It keeps per tenant error classes away from the exit code,
// the sysexits classes are reserved for failures before the fan out.
var errTenantsFailed = errors.New("tenants failed")

func main() {
	debug := flag.Bool("debug", false, "print debug output")
	dryRun := flag.Bool("dry-run", false, "log what would change without touching any tenant")
	tenant := flag.String("tenant", "", "only reconcile this tenant instead of all partner customers")
	configFile := flag.String("config", "", "config file to use")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	})
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	if *configFile == "" {
		logger.Error("please supply a config file")
		os.Exit(exitConfig)
	}

	// set some defaults
	defaults := config.Configuration{
		CSVFile:  "Safe Domains.csv",
		LogFile:  "exosafelist.log",
		RuleName: "Inbound sender domain safelist",
		QualifyingProducts: []string{
			"EXCHANGE",
			"SPE_",
			"O365",
			"MICROSOFT 365",
			"ENTERPRISEPACK",
		},
		TenantDomainSuffix: "onmicrosoft.com",
		UpdatePolicy:       "replace",
		Workers:            1,
		OperationTimeout: config.Duration{
			Duration: 10 * time.Minute,
		},
		AuthTimeout: config.Duration{
			Duration: 2 * time.Minute,
		},
		RetryInterval: config.Duration{
			Duration: 5 * time.Second,
		},
		MaxRetries: 3,
		DnsConnectTimeout: config.Duration{
			Duration: 1 * time.Second,
		},
		DnsTimeout: config.Duration{
			Duration: 10 * time.Second,
		},
	}

	settings, err := config.GetConfig(defaults, *configFile)
	if err != nil {
		logger.Error("could not read config", "file", *configFile, "err", err)
		os.Exit(exitCode(err))
	}

	// trap Ctrl+C and call cancel on the context
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logger.Info("interrupt received, aborting the run")
		cancel()
	}()

	err = run(ctx, settings, logger, *dryRun, *tenant)
	signal.Stop(c)
	cancel()
	if err != nil {
		logger.Error(err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errTenantsFailed):
		return exitFailed
	case errors.Is(err, faults.ErrConfiguration), errors.Is(err, faults.ErrValidation):
		return exitConfig
	case errors.Is(err, faults.ErrAuthentication):
		return exitNoPerm
	default:
		return exitFailed
	}
}

func run(ctx context.Context, settings *config.Configuration, logger *log.Logger, dryRun bool, singleTenant string) error {
	logger.Debug("loaded configuration", "config", settings)

	audit, err := runlog.Open(settings.LogFile)
	if err != nil {
		return err
	}
	defer audit.Close()

	// correlation id to tie log lines of overlapping runs together
	runID := uuid.New().String()
	logger.Info("starting", "run", runID)
	if err := audit.Logf("run %s started (rule %q, dry run: %t)", runID, settings.RuleName, dryRun); err != nil {
		return err
	}

	err = execute(ctx, settings, logger, audit, runID, dryRun, singleTenant)
	if err != nil && !errors.Is(err, errTenantsFailed) {
		// tenant failures already have their own lines, everything else
		// gets its line in the run log here
		if aerr := audit.Logf("run %s failed: %v", runID, err); aerr != nil {
			logger.Warn("could not write to the run log", "err", aerr)
		}
	}
	return err
}

func execute(ctx context.Context, settings *config.Configuration, logger *log.Logger, audit *runlog.Log, runID string, dryRun bool, singleTenant string) error {
	var list *safelist.List
	var err error
	if settings.StrictDomains {
		list, err = safelist.LoadStrict(settings.CSVFile)
	} else {
		list, err = safelist.Load(settings.CSVFile)
	}
	if err != nil {
		return err
	}
	logger.Info("loaded safelist", "file", settings.CSVFile, "domains", list.Len())

	// fail on a missing pwsh before we touch the network
	runner, err := powershell.NewRunner(logger)
	if err != nil {
		return err
	}

	if v := os.Getenv(secretEnv); v != "" {
		logger.Debug("using client secret from the environment")
		settings.ClientSecret = v
	}
	if !settings.HasCredentials() {
		secret, err := promptSecret()
		if err != nil {
			return err
		}
		settings.ClientSecret = secret
	}

	auth, err := msauth.New(settings.ClientID, settings.ClientSecret, settings.CertificateFile, settings.CertificatePassword)
	if err != nil {
		return err
	}

	// prove the credential against the partner tenant before fanning
	// out, token endpoints do hit transient errors
	authRetry := retry.Config{
		Timeout:    settings.AuthTimeout.Duration,
		Interval:   settings.RetryInterval.Duration,
		MaxRetries: settings.MaxRetries,
	}
	if err := retry.Do(ctx, authRetry, func(ctx context.Context) error {
		return auth.Verify(ctx, settings.TenantID)
	}); err != nil {
		return err
	}
	logger.Info("authenticated against the partner tenant", "tenant", settings.TenantID)

	var customers []partner.Customer
	if singleTenant != "" {
		customer, err := resolveSingleTenant(ctx, settings, singleTenant, logger)
		if err != nil {
			return err
		}
		customers = []partner.Customer{*customer}
	} else {
		dir := partner.NewGraphDirectory(settings.TenantID, auth, logger)
		resolver := partner.NewResolver(dir, settings.QualifyingProducts, settings.TenantDomainSuffix, logger, audit)
		// the contract walk is a remote call like any other, it gets the
		// same deadline and retry budget
		opRetry := retry.Config{
			Timeout:    settings.OperationTimeout.Duration,
			Interval:   settings.RetryInterval.Duration,
			MaxRetries: settings.MaxRetries,
		}
		if err := retry.Do(ctx, opRetry, func(ctx context.Context) error {
			var qerr error
			customers, qerr = resolver.Qualified(ctx)
			if qerr != nil && faults.Fatal(qerr) {
				return retry.Permanent(qerr)
			}
			return qerr
		}); err != nil {
			return err
		}
	}

	if len(customers) == 0 {
		logger.Warn("no qualifying tenants found, nothing to do")
		return audit.Logf("run %s finished: no qualifying tenants", runID)
	}

	dialer := exchange.NewDialer(settings.ClientID, auth, runner, logger)
	rec := reconcile.New(reconcile.Options{
		Dial: func(ctx context.Context, tenantID, organization string) (reconcile.Session, error) {
			return dialer.Dial(ctx, tenantID, organization)
		},
		Desired:  list,
		RuleName: settings.RuleName,
		Policy:   reconcile.Policy(settings.UpdatePolicy),
		DryRun:   dryRun,
		Workers:  settings.Workers,
		Retry: retry.Config{
			Timeout:    settings.OperationTimeout.Duration,
			Interval:   settings.RetryInterval.Duration,
			MaxRetries: settings.MaxRetries,
		},
		Logger: logger,
		Audit:  audit,
	})

	summary := rec.Run(ctx, customers)
	summary.Log(logger)
	if err := audit.Logf("run %s finished: %d tenants, %d created, %d updated, %d unchanged, %d failed",
		runID, summary.Total, summary.Created, summary.Updated, summary.Unchanged, summary.Failed); err != nil {
		logger.Warn("could not write to the run log", "err", err)
	}

	if err := summary.Err(); err != nil {
		return fmt.Errorf("%d of %d %w: %w", summary.Failed, summary.Total, errTenantsFailed, err)
	}
	return nil
}

// resolveSingleTenant turns the -tenant flag into a customer entry. A
// bare name gets the configured suffix appended and the result must
// resolve in DNS, typos would otherwise surface as a confusing
// connection error much later.
func resolveSingleTenant(ctx context.Context, settings *config.Configuration, name string, logger *log.Logger) (*partner.Customer, error) {
	domain := strings.ToLower(strings.TrimSpace(name))
	if domain == "" {
		return nil, faults.Wrapf(faults.ErrConfiguration, "tenant name is empty")
	}
	if !strings.Contains(domain, ".") {
		domain = domain + "." + settings.TenantDomainSuffix
	}

	resolver := dns.NewResolver(settings.DnsServer, settings.DnsConnectTimeout.Duration, settings.DnsTimeout.Duration, logger)
	if err := resolver.Validate(ctx, domain); err != nil {
		return nil, err
	}

	// the domain name doubles as the tenant id, the token endpoint
	// accepts both forms
	return &partner.Customer{
		TenantID:          domain,
		DefaultDomainName: domain,
	}, nil
}

func promptSecret() (string, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return "", faults.Wrapf(faults.ErrConfiguration, "no client secret or certificate configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Client secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", faults.Wrapf(faults.ErrConfiguration, "could not read the client secret: %w", err)
	}
	if len(secret) == 0 {
		return "", faults.Wrapf(faults.ErrConfiguration, "the client secret is empty")
	}
	return string(secret), nil
}

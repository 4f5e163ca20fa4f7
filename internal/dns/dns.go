// Package dns checks that an operator supplied tenant domain actually
// resolves before the run spends time authenticating against it.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/firefart/exosafelist/internal/faults"
	"github.com/firefart/exosafelist/internal/retry"
)

// validation gets a fixed retry budget, a typo never fixes itself
const validateRetries = 2

type Resolver struct {
	timeout  time.Duration
	resolver *net.Resolver
	mutex    sync.RWMutex
	cache    map[string]bool
	logger   *log.Logger
}

// NewResolver returns a resolver that caches results for the lifetime
// of the run. An empty server uses the system resolver.
func NewResolver(server string, connectTimeout, timeout time.Duration, logger *log.Logger) *Resolver {
	resolver := net.DefaultResolver
	if server != "" {
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{
					Timeout: connectTimeout,
				}
				return d.DialContext(ctx, network, server)
			},
		}
	}
	return &Resolver{
		timeout:  timeout,
		resolver: resolver,
		cache:    make(map[string]bool),
		logger:   logger,
	}
}

// Exists reports whether the domain resolves at all. Tenant domains
// usually carry MX records only, so NS, MX and host lookups all count.
func (r *Resolver) Exists(ctx context.Context, domain string) (bool, error) {
	r.logger.Debugf("resolving %s", domain)
	if val, ok := r.getCacheEntry(domain); ok {
		return val, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	exists, err := r.lookup(ctx, domain)
	if err != nil {
		return false, err
	}
	r.updateCache(domain, exists)
	return exists, nil
}

// Validate retries transient lookup failures a few times and fails the
// domain permanently when it does not resolve.
func (r *Resolver) Validate(ctx context.Context, domain string) error {
	err := retry.Do(ctx, retry.Config{Interval: time.Second, MaxRetries: validateRetries}, func(ctx context.Context) error {
		exists, err := r.Exists(ctx, domain)
		if err != nil {
			return err
		}
		if !exists {
			return retry.Permanent(fmt.Errorf("domain does not resolve"))
		}
		return nil
	})
	if err != nil {
		return faults.Wrapf(faults.ErrValidation, "could not validate tenant domain %s: %w", domain, err)
	}
	return nil
}

func (r *Resolver) lookup(ctx context.Context, domain string) (bool, error) {
	ns, err := r.resolver.LookupNS(ctx, domain)
	if err == nil && len(ns) > 0 {
		return true, nil
	}
	if err != nil && !isNotFound(err) {
		return false, err
	}

	mx, err := r.resolver.LookupMX(ctx, domain)
	if err == nil && len(mx) > 0 {
		return true, nil
	}
	if err != nil && !isNotFound(err) {
		return false, err
	}

	addrs, err := r.resolver.LookupHost(ctx, domain)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return len(addrs) > 0, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func (r *Resolver) updateCache(domain string, exists bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.cache[domain] = exists
}

func (r *Resolver) getCacheEntry(domain string) (bool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	val, ok := r.cache[domain]
	return val, ok
}

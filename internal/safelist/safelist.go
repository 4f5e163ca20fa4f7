// Package safelist loads the desired sender domains from the operator
// maintained CSV file.
package safelist

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/firefart/exosafelist/internal/faults"
)

const domainColumn = "Domain"

// List holds the desired sender domains in file order, deduplicated
// case-insensitively. The first spelling of a domain wins.
type List struct {
	domains []string
	seen    map[string]struct{}
}

// New builds a list from already collected domains, deduplicating like
// Load does.
func New(domains []string) *List {
	l := &List{seen: make(map[string]struct{})}
	for _, d := range domains {
		l.add(d)
	}
	return l
}

// Load reads the CSV file and collects every non-empty value of the
// Domain column. The column match is case-insensitive, other columns
// are ignored.
func Load(path string) (*List, error) {
	return load(path, false)
}

// LoadStrict is Load with every entry checked to be a well-formed FQDN.
func LoadStrict(path string) (*List, error) {
	return load(path, true)
}

func load(path string, strict bool) (*List, error) {
	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConfiguration, "could not open safelist: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	// spreadsheet exports tend to have ragged rows
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, faults.Wrapf(faults.ErrConfiguration, "safelist %s is empty", path)
	}
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConfiguration, "could not read safelist header: %w", err)
	}
	if len(header) > 0 {
		// Excel exports start with a BOM
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), domainColumn) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, faults.Wrapf(faults.ErrConfiguration, "safelist %s has no %q column", path, domainColumn)
	}

	var validate *validator.Validate
	if strict {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	list := &List{seen: make(map[string]struct{})}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, faults.Wrapf(faults.ErrConfiguration, "could not read safelist: %w", err)
		}
		if col >= len(record) {
			continue
		}
		domain := strings.TrimSpace(record[col])
		if domain == "" {
			continue
		}
		if strict {
			if err := validate.Var(domain, "fqdn"); err != nil {
				return nil, faults.Wrapf(faults.ErrValidation, "safelist %s: %q is not a valid domain", path, domain)
			}
		}
		list.add(domain)
	}

	if len(list.domains) == 0 {
		return nil, faults.Wrapf(faults.ErrConfiguration, "safelist %s contains no domains", path)
	}

	return list, nil
}

func (l *List) add(domain string) {
	key := strings.ToLower(domain)
	if _, ok := l.seen[key]; ok {
		return
	}
	l.seen[key] = struct{}{}
	l.domains = append(l.domains, domain)
}

// Domains returns the domains in file order.
func (l *List) Domains() []string {
	out := make([]string, len(l.domains))
	copy(out, l.domains)
	return out
}

func (l *List) Len() int {
	return len(l.domains)
}

// Contains matches case-insensitively.
func (l *List) Contains(domain string) bool {
	_, ok := l.seen[strings.ToLower(domain)]
	return ok
}

// Missing returns the desired domains not present in existing, keeping
// the file order. The comparison is case-insensitive.
func (l *List) Missing(existing []string) []string {
	have := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		have[strings.ToLower(d)] = struct{}{}
	}
	var missing []string
	for _, d := range l.domains {
		if _, ok := have[strings.ToLower(d)]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

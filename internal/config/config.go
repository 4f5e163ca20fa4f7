package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/firefart/exosafelist/internal/faults"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}

type Configuration struct {
	CSVFile             string   `json:"csvFile" validate:"required"`
	LogFile             string   `json:"logFile" validate:"required"`
	RuleName            string   `json:"ruleName" validate:"required"`
	TenantID            string   `json:"tenantID" validate:"required,uuid"`
	ClientID            string   `json:"clientID" validate:"required,uuid"`
	ClientSecret        string   `json:"clientSecret"`
	CertificateFile     string   `json:"certificateFile"`
	CertificatePassword string   `json:"certificatePassword"`
	QualifyingProducts  []string `json:"qualifyingProducts" validate:"min=1"`
	TenantDomainSuffix  string   `json:"tenantDomainSuffix" validate:"required"`
	UpdatePolicy        string   `json:"updatePolicy" validate:"oneof=replace merge"`
	StrictDomains       bool     `json:"strictDomains"`
	Workers             int      `json:"workers" validate:"min=1,max=8"`
	OperationTimeout    Duration `json:"operationTimeout"`
	AuthTimeout         Duration `json:"authTimeout"`
	RetryInterval       Duration `json:"retryInterval"`
	MaxRetries          uint64   `json:"maxRetries"`
	DnsServer           string   `json:"dnsServer"`
	DnsConnectTimeout   Duration `json:"dnsConnectTimeout"`
	DnsTimeout          Duration `json:"dnsTimeout"`
}

// GetConfig decodes the config file over the passed in defaults, so the
// file only needs to carry what differs from them.
func GetConfig(defaults Configuration, f string) (*Configuration, error) {
	if f == "" {
		return nil, faults.Wrapf(faults.ErrConfiguration, "please provide a valid config file")
	}

	b, err := os.ReadFile(f) // nolint: gosec
	if err != nil {
		return nil, faults.Wrap(faults.ErrConfiguration, err)
	}
	reader := bytes.NewReader(b)

	decoder := json.NewDecoder(reader)
	if err = decoder.Decode(&defaults); err != nil {
		return nil, faults.Wrapf(faults.ErrConfiguration, "could not parse %s: %w", f, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&defaults); err != nil {
		return nil, faults.Wrapf(faults.ErrConfiguration, "invalid configuration: %w", err)
	}

	return &defaults, nil
}

// HasCredentials reports whether either secret or certificate auth
// material is present. The secret can still arrive later from the
// environment or an interactive prompt.
func (c *Configuration) HasCredentials() bool {
	return c.ClientSecret != "" || c.CertificateFile != ""
}

func (c *Configuration) String() string {
	secret := c.ClientSecret
	if len(secret) > 0 {
		secret = "********"
	}
	return fmt.Sprintf("csv=%s rule=%q tenant=%s client=%s secret=%s policy=%s workers=%d",
		c.CSVFile, c.RuleName, c.TenantID, c.ClientID, secret, c.UpdatePolicy, c.Workers)
}

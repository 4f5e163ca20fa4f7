package config

import (
	"errors"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/firefart/exosafelist/internal/faults"
)

func testDefaults() Configuration {
	return Configuration{
		CSVFile:            "Safe Domains.csv",
		LogFile:            "exosafelist.log",
		RuleName:           "Inbound sender domain safelist",
		QualifyingProducts: []string{"EXCHANGE", "MICROSOFT 365"},
		TenantDomainSuffix: "onmicrosoft.com",
		UpdatePolicy:       "replace",
		Workers:            1,
		OperationTimeout:   Duration{Duration: 2 * time.Minute},
		AuthTimeout:        Duration{Duration: 5 * time.Minute},
		RetryInterval:      Duration{Duration: 5 * time.Second},
		MaxRetries:         3,
		DnsConnectTimeout:  Duration{Duration: 1 * time.Second},
		DnsTimeout:         Duration{Duration: 10 * time.Second},
	}
}

func TestGetConfig(t *testing.T) {
	c, err := GetConfig(testDefaults(), path.Join("..", "..", "testdata", "test.json"))
	if err != nil {
		t.Fatalf("got error when reading config file: %v", err)
	}
	if c == nil {
		t.Fatal("got a nil config object")
	}
	// values from the file win
	if c.Workers != 4 {
		t.Errorf("expected workers 4 from file, got %d", c.Workers)
	}
	if c.OperationTimeout.Duration != 90*time.Second {
		t.Errorf("expected operation timeout 90s from file, got %s", c.OperationTimeout)
	}
	// untouched values keep their defaults
	if c.RuleName != "Inbound sender domain safelist" {
		t.Errorf("expected default rule name, got %q", c.RuleName)
	}
	if c.TenantDomainSuffix != "onmicrosoft.com" {
		t.Errorf("expected default tenant domain suffix, got %q", c.TenantDomainSuffix)
	}
}

func TestGetConfigErrors(t *testing.T) {
	_, err := GetConfig(testDefaults(), "")
	if err == nil {
		t.Fatal("expected error on empty filename")
	}
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
	_, err = GetConfig(testDefaults(), "this_does_not_exist")
	if err == nil {
		t.Fatal("expected error on invalid file")
	}
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestGetConfigInvalid(t *testing.T) {
	_, err := GetConfig(testDefaults(), path.Join("..", "..", "testdata", "invalid.json"))
	if err == nil {
		t.Fatal("expected error when reading config file but got none")
	}
}

func TestGetConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"tenant id not a guid", `{"tenantID": "not-a-guid"}`},
		{"client id not a guid", `{"clientID": "1234"}`},
		{"workers zero", `{"workers": 0}`},
		{"workers too high", `{"workers": 12}`},
		{"unknown update policy", `{"updatePolicy": "append"}`},
		{"empty rule name", `{"ruleName": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := path.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(f, []byte(tt.json), 0o600); err != nil {
				t.Fatalf("could not write config: %v", err)
			}
			defaults := testDefaults()
			defaults.TenantID = "4f8a9b3c-1d2e-4a5b-8c7d-9e0f1a2b3c4d"
			defaults.ClientID = "a1b2c3d4-e5f6-4a8b-9c0d-1e2f3a4b5c6d"
			_, err := GetConfig(defaults, f)
			if err == nil {
				t.Fatal("expected validation error but got none")
			}
			if !errors.Is(err, faults.ErrConfiguration) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestHasCredentials(t *testing.T) {
	var c Configuration
	if c.HasCredentials() {
		t.Error("empty configuration should have no credentials")
	}
	c.ClientSecret = "s"
	if !c.HasCredentials() {
		t.Error("expected credentials with a client secret")
	}
	c = Configuration{CertificateFile: "app.pfx"}
	if !c.HasCredentials() {
		t.Error("expected credentials with a certificate")
	}
}

func TestStringMasksSecret(t *testing.T) {
	c := testDefaults()
	c.ClientSecret = "super-secret-value"
	s := c.String()
	if !strings.Contains(s, "********") {
		t.Errorf("expected masked secret in %q", s)
	}
	if strings.Contains(s, "super-secret-value") {
		t.Errorf("secret leaked into string output: %q", s)
	}
}

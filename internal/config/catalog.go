package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog describes the services a branch offers and its counters.
type Catalog struct {
	Branch   string        `yaml:"branch"`
	Services []ServiceSpec `yaml:"services"`
	Counters []CounterSpec `yaml:"counters"`
}

type ServiceSpec struct {
	Type            string        `yaml:"type"`
	Code            string        `yaml:"code"`
	Name            string        `yaml:"name"`
	DefaultDuration time.Duration `yaml:"default_duration"`
}

type CounterSpec struct {
	Number   int      `yaml:"number"`
	Services []string `yaml:"services"`
}

const defaultTokenPrefix = "TKN"

func DefaultCatalog() Catalog {
	return Catalog{
		Branch: "main",
		Services: []ServiceSpec{
			{Type: "withdrawal", Code: "WD", Name: "Cash Withdrawal", DefaultDuration: 4 * time.Minute},
			{Type: "cash_deposit", Code: "CD", Name: "Cash Deposit", DefaultDuration: 5 * time.Minute},
			{Type: "general_query", Code: "GQ", Name: "General Query", DefaultDuration: 5 * time.Minute},
			{Type: "loan_application", Code: "LA", Name: "Loan Application", DefaultDuration: 15 * time.Minute},
			{Type: "meet_gm", Code: "GM", Name: "Meet the General Manager", DefaultDuration: 10 * time.Minute},
		},
		Counters: []CounterSpec{
			{Number: 1, Services: []string{"withdrawal", "cash_deposit"}},
			{Number: 2, Services: []string{"withdrawal", "cash_deposit", "general_query"}},
			{Number: 3, Services: []string{"loan_application", "meet_gm", "general_query"}},
		},
	}
}

// LoadCatalog reads a YAML catalog, or returns the built-in one when path is empty.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

func (c Catalog) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("catalog: no services")
	}
	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if strings.TrimSpace(svc.Type) == "" {
			return fmt.Errorf("catalog: service without type")
		}
		if seen[svc.Type] {
			return fmt.Errorf("catalog: duplicate service %q", svc.Type)
		}
		seen[svc.Type] = true
	}
	counters := make(map[int]bool, len(c.Counters))
	for _, counter := range c.Counters {
		if counter.Number <= 0 {
			return fmt.Errorf("catalog: counter number must be positive")
		}
		if counters[counter.Number] {
			return fmt.Errorf("catalog: duplicate counter %d", counter.Number)
		}
		counters[counter.Number] = true
		for _, st := range counter.Services {
			if !seen[st] {
				return fmt.Errorf("catalog: counter %d handles unknown service %q", counter.Number, st)
			}
		}
	}
	return nil
}

func (c Catalog) Service(serviceType string) (ServiceSpec, bool) {
	for _, svc := range c.Services {
		if svc.Type == serviceType {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

func (c Catalog) Prefix(serviceType string) string {
	if svc, ok := c.Service(serviceType); ok && svc.Code != "" {
		return svc.Code
	}
	return defaultTokenPrefix
}

func (c Catalog) DefaultDurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Services))
	for _, svc := range c.Services {
		if svc.DefaultDuration > 0 {
			out[svc.Type] = svc.DefaultDuration
		}
	}
	return out
}

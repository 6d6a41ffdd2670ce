// Package catalog holds the organization directory: which WhatsApp number
// belongs to which organization, which flows each one may run, the phrases
// that trigger them, the provider content template SIDs they send, and the
// signposting service directory.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Signposting service scopes.
const (
	ScopeLocal    = "local"
	ScopeNational = "national"
)

// Service is one support service listed in a signposting directory.
type Service struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	URL         string `yaml:"url,omitempty"`
	Phone       string `yaml:"phone,omitempty"`
	Scope       string `yaml:"scope"`
}

// Organization is one tenant of the service.
type Organization struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	PhoneNumber  string   `yaml:"phone_number"`
	EnabledFlows []string `yaml:"enabled_flows"`
	// Triggers maps an inbound phrase (matched lowercased and trimmed) to a flow name.
	Triggers map[string]string `yaml:"triggers"`
	// Templates maps a template key to the provider ContentSid.
	Templates map[string]string `yaml:"templates"`
	// Signposting maps a category name to its services.
	Signposting map[string][]Service `yaml:"signposting"`
}

// Catalog is the parsed organization directory. It is read-only after Parse.
type Catalog struct {
	Organizations []Organization `yaml:"organizations"`

	byID    map[string]*Organization
	byPhone map[string]*Organization
}

// NormalizePhone strips the "whatsapp:" channel prefix and surrounding spaces.
func NormalizePhone(phone string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(phone), "whatsapp:"))
}

// NormalizeTrigger canonicalizes an inbound body for trigger matching.
func NormalizeTrigger(body string) string {
	return strings.ToLower(strings.TrimSpace(body))
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.byID = make(map[string]*Organization, len(c.Organizations))
	c.byPhone = make(map[string]*Organization, len(c.Organizations))
	for i := range c.Organizations {
		org := &c.Organizations[i]
		if org.ID == "" {
			return nil, fmt.Errorf("catalog organization %d: id is required", i)
		}
		if _, dup := c.byID[org.ID]; dup {
			return nil, fmt.Errorf("catalog organization %q: duplicate id", org.ID)
		}
		c.byID[org.ID] = org

		if phone := NormalizePhone(org.PhoneNumber); phone != "" {
			if other, dup := c.byPhone[phone]; dup {
				return nil, fmt.Errorf("catalog organization %q: phone number already used by %q", org.ID, other.ID)
			}
			c.byPhone[phone] = org
		}

		triggers := make(map[string]string, len(org.Triggers))
		for phrase, flowName := range org.Triggers {
			if !slices.Contains(org.EnabledFlows, flowName) {
				slog.Warn("Catalog.Parse: trigger targets a flow that is not enabled", "org", org.ID, "trigger", phrase, "flowName", flowName)
			}
			triggers[NormalizeTrigger(phrase)] = flowName
		}
		org.Triggers = triggers

		for category, services := range org.Signposting {
			for _, svc := range services {
				if svc.Scope != ScopeLocal && svc.Scope != ScopeNational {
					return nil, fmt.Errorf("catalog organization %q: service %q in %q has invalid scope %q", org.ID, svc.Name, category, svc.Scope)
				}
			}
		}
	}
	slog.Debug("Catalog.Parse: catalog loaded", "organizations", len(c.Organizations))
	return &c, nil
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or returns the embedded default if path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Organization returns the organization with the given id.
func (c *Catalog) Organization(id string) (*Organization, bool) {
	org, ok := c.byID[id]
	return org, ok
}

// OrganizationByPhone returns the organization that owns a WhatsApp number.
func (c *Catalog) OrganizationByPhone(phone string) (*Organization, bool) {
	org, ok := c.byPhone[NormalizePhone(phone)]
	return org, ok
}

// IsFlowEnabled reports whether the organization may run flowName.
func (c *Catalog) IsFlowEnabled(flowName, orgID string) bool {
	org, ok := c.byID[orgID]
	if !ok {
		return false
	}
	return slices.Contains(org.EnabledFlows, flowName)
}

// TriggerFlow returns the flow an inbound body starts for the organization.
func (c *Catalog) TriggerFlow(orgID, body string) (string, bool) {
	org, ok := c.byID[orgID]
	if !ok {
		return "", false
	}
	flowName, ok := org.Triggers[NormalizeTrigger(body)]
	return flowName, ok
}

// TemplateSid returns the ContentSid configured for a template key.
func (c *Catalog) TemplateSid(orgID, key string) (string, bool) {
	org, ok := c.byID[orgID]
	if !ok {
		return "", false
	}
	sid, ok := org.Templates[key]
	return sid, ok && sid != ""
}

// Categories lists the organization's signposting categories in sorted order.
func (c *Catalog) Categories(orgID string) []string {
	org, ok := c.byID[orgID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(org.Signposting))
	for name := range org.Signposting {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Services returns the services of a category, matched case-insensitively.
func (c *Catalog) Services(orgID, category string) ([]Service, bool) {
	org, ok := c.byID[orgID]
	if !ok {
		return nil, false
	}
	want := strings.TrimSpace(category)
	for name, services := range org.Signposting {
		if strings.EqualFold(name, want) {
			return services, true
		}
	}
	return nil, false
}

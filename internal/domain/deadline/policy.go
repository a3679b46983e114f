package deadline

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultProviderType is the policy every unknown provider type falls back to.
const DefaultProviderType = "physician"

// PolicyTable maps a provider type to its deadline policy.
type PolicyTable map[string]ProviderDeadlinePolicy

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		"physician": {
			StandardDays:     30,
			ReminderSchedule: []int{7, 14, 21},
			EscalationDays:   []int{35},
		},
		"hospital": {
			StandardDays:     45,
			ReminderSchedule: []int{14, 28, 35},
			EscalationDays:   []int{50},
		},
		"imaging-center": {
			StandardDays:     21,
			ReminderSchedule: []int{7, 14},
			EscalationDays:   []int{25},
		},
		"laboratory": {
			StandardDays:     14,
			ReminderSchedule: []int{5, 10},
			EscalationDays:   []int{17},
		},
		"pharmacy": {
			StandardDays:     10,
			ReminderSchedule: []int{3, 7},
			EscalationDays:   []int{12},
		},
		"insurance": {
			StandardDays:     30,
			ReminderSchedule: []int{10, 20, 25},
			EscalationDays:   []int{35, 45},
		},
	}
}

// ProviderTypes returns the registered provider types in lexical order.
func (t PolicyTable) ProviderTypes() []string {
	types := make([]string, 0, len(t))
	for k := range t {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// Validate rejects negative offsets and a missing default policy.
func (t PolicyTable) Validate() error {
	if _, ok := t[DefaultProviderType]; !ok {
		return invalid("policy table", "", "missing default provider type "+strconv.Quote(DefaultProviderType))
	}
	for name, p := range t {
		if p.StandardDays < 0 {
			return invalid("standard_days", strconv.Itoa(p.StandardDays), "negative offset for "+name)
		}
		for _, d := range p.ReminderSchedule {
			if d < 0 {
				return invalid("reminder_schedule", strconv.Itoa(d), "negative offset for "+name)
			}
		}
		for _, d := range p.EscalationDays {
			if d < 0 {
				return invalid("escalation_days", strconv.Itoa(d), "negative offset for "+name)
			}
		}
	}
	return nil
}

type policyFile struct {
	Policies map[string]ProviderDeadlinePolicy `yaml:"policies"`
}

// ParsePolicies decodes a YAML policy document and overlays it on the
// built-in table. Entries in the document replace built-ins of the same name.
func ParsePolicies(data []byte) (PolicyTable, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}

	table := DefaultPolicies()
	for name, p := range f.Policies {
		key := normalizeProviderType(name)
		if key == "" {
			return nil, invalid("provider type", name, "must not be empty")
		}
		table[key] = p.clone()
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadPolicies reads a YAML policy file from disk. An empty path yields the
// built-in table.
func LoadPolicies(path string) (PolicyTable, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return ParsePolicies(data)
}

func normalizeProviderType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

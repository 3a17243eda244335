package agentfactory

import (
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
)

// compatibilityPass applies provider-specific structural fixes to an
// output-contract schema, step 3 of the factory contract. Grounded on
// haivivi-giztoy's FormatOpenAISchema: OpenAI's strict structured-output
// mode requires every object to set additionalProperties:false and list
// every property as required; Anthropic's tool-input schemas reject
// numeric range keywords entirely, so those are stripped instead.
func compatibilityPass(provider string, s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	switch provider {
	case "openai":
		return formatForOpenAI(s)
	case "anthropic":
		return formatForAnthropic(s)
	default:
		return s
	}
}

// formatForOpenAI forces additionalProperties:false and promotes every
// property to required (marking originally-optional ones nullable
// instead), per OpenAI's structured-outputs strict-mode rules.
func formatForOpenAI(m *jsonschema.Schema) *jsonschema.Schema {
	if m == nil {
		return nil
	}

	typ := effectiveType(m)
	switch typ {
	case "array":
		m.Items = formatForOpenAI(m.Items)
	case "object":
		m.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}

		required := make(map[string]struct{}, len(m.Required))
		for _, v := range m.Required {
			required[v] = struct{}{}
		}
		names := make([]string, 0, len(m.Properties))
		for k, v := range m.Properties {
			if _, ok := required[k]; !ok {
				required[k] = struct{}{}
				if v.Type != "" {
					v.Types = []string{v.Type}
					v.Type = ""
				}
				if !slices.Contains(v.Types, "null") {
					v.Types = append(v.Types, "null")
				}
			}
			m.Properties[k] = formatForOpenAI(v)
			names = append(names, k)
		}
		m.Required = names
	}
	return m
}

// formatForAnthropic strips numeric-range keywords Anthropic's tool-input
// schema validator rejects, recursing into nested objects and arrays.
func formatForAnthropic(m *jsonschema.Schema) *jsonschema.Schema {
	if m == nil {
		return nil
	}
	m.Minimum = nil
	m.Maximum = nil
	m.ExclusiveMinimum = nil
	m.ExclusiveMaximum = nil
	m.MultipleOf = nil

	switch effectiveType(m) {
	case "array":
		m.Items = formatForAnthropic(m.Items)
	case "object":
		for k, v := range m.Properties {
			m.Properties[k] = formatForAnthropic(v)
		}
	}
	return m
}

func effectiveType(m *jsonschema.Schema) string {
	if m.Type != "" {
		return m.Type
	}
	for _, t := range m.Types {
		if t != "" && t != "null" {
			return t
		}
	}
	return ""
}

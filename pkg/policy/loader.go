package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv substitutes ${VAR} and $VAR references from the process
// environment, leaving unresolved references untouched.
func expandEnv(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := strings.TrimPrefix(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"), "$")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// LoadFile reads and parses a policy definition from a YAML file, expanding
// environment variable references before parsing.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Load(data)
}

// Load parses a policy definition from YAML bytes.
func Load(data []byte) (*Definition, error) {
	expanded := expandEnv(string(data))

	var def Definition
	if err := yaml.Unmarshal([]byte(expanded), &def); err != nil {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}
	def.applyDefaults()

	if err := validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func validate(d *Definition) error {
	if d.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	for i, rule := range d.ForbiddenSQL {
		if rule.Pattern == "" {
			return fmt.Errorf("policy: forbidden_sql[%d].pattern is required", i)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("policy: forbidden_sql[%d] invalid pattern %q: %w", i, rule.Pattern, err)
		}
		if rule.Severity == "" {
			d.ForbiddenSQL[i].Severity = SeverityError
		}
	}
	for i, lim := range d.RowLimits {
		if lim.Operation == "" {
			return fmt.Errorf("policy: row_limits[%d].operation is required", i)
		}
		if lim.Action == "" {
			d.RowLimits[i].Action = SeverityError
		}
	}
	return nil
}

package policy

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("CHAOSTRACE_POLICY_NAME", "env-strict")

	yaml := []byte(`
name: ${CHAOSTRACE_POLICY_NAME}
forbidden_sql:
  - pattern: "DROP\\s+TABLE"
    severity: critical
`)
	def, err := Load(yaml)
	require.NoError(t, err)
	require.Equal(t, "env-strict", def.Name)
	require.Equal(t, defaultMaxQueryLength, def.MaxQueryLength)
	require.Equal(t, SeverityCritical, def.Honeypots.Severity)
}

func TestLoadRejectsMissingName(t *testing.T) {
	_, err := Load([]byte(`forbidden_sql: []`))
	require.Error(t, err)
}

func TestLoadRejectsInvalidPattern(t *testing.T) {
	yaml := []byte(`
name: broken
forbidden_sql:
  - pattern: "("
`)
	_, err := Load(yaml)
	require.Error(t, err)
}

func TestLoadAcceptsBareStringForbiddenPatterns(t *testing.T) {
	yaml := []byte(`
name: bare-strings
forbidden_sql:
  - "DROP\\s+DATABASE"
  - pattern: "TRUNCATE"
    severity: warning
`)
	def, err := Load(yaml)
	require.NoError(t, err)
	require.Len(t, def.ForbiddenSQL, 2)
	require.Equal(t, "DROP\\s+DATABASE", def.ForbiddenSQL[0].Pattern)
	require.Equal(t, SeverityError, def.ForbiddenSQL[0].Severity)
	require.Equal(t, SeverityWarning, def.ForbiddenSQL[1].Severity)
}

func TestLoadAcceptsForbiddenSQLObjectForm(t *testing.T) {
	yaml := []byte(`
name: object-form
forbidden_sql:
  patterns:
    - "DROP\\s+TABLE"
`)
	def, err := Load(yaml)
	require.NoError(t, err)
	require.Len(t, def.ForbiddenSQL, 1)
	require.Equal(t, "DROP\\s+TABLE", def.ForbiddenSQL[0].Pattern)
	require.Equal(t, SeverityError, def.ForbiddenSQL[0].Severity)
}

func TestLoadFileReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/policy.yaml"
	require.NoError(t, os.WriteFile(path, []byte("name: from-disk\n"), 0o644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "from-disk", def.Name)
}

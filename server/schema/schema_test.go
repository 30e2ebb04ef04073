package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPayload = `{
	"projectName": "SOM",
	"experimentName": "nightly",
	"startTime": "2024-05-01T10:00:00Z",
	"env": {
		"hostName": "bench-1", "osType": "Linux", "memory": 16000000000,
		"cpu": "Ryzen 7", "clockSpeed": 3800000000, "userName": "ci"
	},
	"source": {
		"repoURL": "https://example.org/som.git", "branchOrTag": "main",
		"commitId": "abc123", "commitMsg": "improve lookup"
	},
	"criteria": [{"i": 0, "c": "total", "u": "ms"}],
	"data": [{
		"runId": {
			"cmdline": "som -cp core Bounce",
			"benchmark": {"name": "Bounce", "suite": {"name": "micro", "executor": {"name": "som"}}}
		},
		"d": [{"in": 1, "it": 1, "m": [{"c": 0, "v": 432.5}]}]
	}]
}`

func TestValidatePayloadAccepted(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	ok, issues, err := v.ValidatePayload([]byte(validPayload))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestValidatePayloadMissingProject(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	ok, issues, err := v.ValidatePayload([]byte(`{"experimentName": "x"}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, issues)
}

func TestValidatePayloadRejectsNonNumericValue(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	bad := `{
		"projectName": "p", "experimentName": "e", "startTime": "t",
		"env": {"hostName": "h", "osType": "l", "memory": 1, "cpu": "c", "clockSpeed": 1, "userName": "u"},
		"source": {"repoURL": "r", "branchOrTag": "b", "commitId": "c", "commitMsg": "m"},
		"criteria": [],
		"data": [{"runId": {"cmdline": "x", "benchmark": {"name": "b", "suite": {"name": "s", "executor": {"name": "e"}}}},
		          "d": [{"in": 1, "it": 1, "m": [{"c": 0, "v": "fast"}]}]}]
	}`
	ok, issues, err := v.ValidatePayload([]byte(bad))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, issues)
}

func TestValidateCompletion(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	ok, _, err := v.ValidateCompletion([]byte(`{"projectName": "p", "experimentName": "e", "endTime": "2024-05-01T12:00:00Z"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, issues, err := v.ValidateCompletion([]byte(`{"projectName": "p"}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, issues)
}

package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionPolicyEmptyAdmitsAll(t *testing.T) {
	policy, err := NewAdmissionPolicy("")
	require.NoError(t, err)
	admitted, err := policy.Admit("aid_test", "s1", false, 0)
	require.NoError(t, err)
	assert.True(t, admitted)

	var nilPolicy *AdmissionPolicy
	admitted, err = nilPolicy.Admit("aid_test", "s1", false, 0)
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestAdmissionPolicyExpression(t *testing.T) {
	policy, err := NewAdmissionPolicy(`identity_id =~ "^aid_" && sequence < 100`)
	require.NoError(t, err)

	admitted, err := policy.Admit("aid_test", "s1", false, 0)
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = policy.Admit("other", "s1", false, 0)
	require.NoError(t, err)
	assert.False(t, admitted)

	admitted, err = policy.Admit("aid_test", "s1", true, 100)
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestAdmissionPolicyRenewalFlag(t *testing.T) {
	policy, err := NewAdmissionPolicy(`!renewal`)
	require.NoError(t, err)

	admitted, err := policy.Admit("aid_test", "s1", false, 0)
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = policy.Admit("aid_test", "s1", true, 1)
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestAdmissionPolicyErrors(t *testing.T) {
	_, err := NewAdmissionPolicy(`identity_id =~ `)
	assert.Error(t, err)

	numeric, err := NewAdmissionPolicy(`sequence + 1`)
	require.NoError(t, err)
	_, err = numeric.Admit("aid_test", "s1", false, 0)
	assert.Error(t, err)
}

package servicenow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidateRequiresInstanceUnlessFake(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)

	err = Config{Fake: true}.Validate()
	require.NoError(t, err)

	err = Config{Instance: "acme"}.Validate()
	require.NoError(t, err)
}

func TestConfigValidateRejectsNegativeConcurrency(t *testing.T) {
	err := Config{Instance: "acme", ReadConcurrency: -1}.Validate()
	require.Error(t, err)
}

func TestConfigUsesFakeTransportForDevSentinel(t *testing.T) {
	assert.True(t, Config{Instance: DevInstanceSentinel}.usesFakeTransport())
	assert.False(t, Config{Instance: DevInstanceSentinel, Username: "alice"}.usesFakeTransport())
	assert.True(t, Config{Instance: "acme", Fake: true}.usesFakeTransport())
}

func TestConfigTimeoutDefaultsToZeroWhenUnset(t *testing.T) {
	assert.Equal(t, int64(0), Config{}.Timeout().Nanoseconds())
	assert.Equal(t, int64(5e9), Config{TimeoutSeconds: 5}.Timeout().Nanoseconds())
}

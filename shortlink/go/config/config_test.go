package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "development", c.AppEnv)
	assert.False(t, c.IsProduction())
}

func TestOrigins_SplitsAndTrims(t *testing.T) {
	c := &Config{AllowedOrigins: "https://a.test, https://b.test ,"}
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, c.Origins())
	assert.Nil(t, (&Config{}).Origins())
}

func TestSystemHost_StripsPortAndLowercases(t *testing.T) {
	c := &Config{SystemDomain: "Sho.RT:8443"}
	assert.Equal(t, "sho.rt", c.SystemHost())
	c = &Config{SystemDomain: "sho.rt"}
	assert.Equal(t, "sho.rt", c.SystemHost())
}

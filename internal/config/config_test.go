package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadExpiryGraceDefault(t *testing.T) {
	t.Setenv("EXPIRY_GRACE_SECONDS", "")

	cfg := Load()
	assert.Equal(t, 60*time.Second, cfg.ExpiryGrace)
}

func TestLoadExpiryGraceOverride(t *testing.T) {
	t.Setenv("EXPIRY_GRACE_SECONDS", "90")

	cfg := Load()
	assert.Equal(t, 90*time.Second, cfg.ExpiryGrace)
}

func TestParseOrigins(t *testing.T) {
	assert.Nil(t, parseOrigins(""))
	assert.Equal(t,
		[]string{"https://exam.example.com", "https://admin.example.com"},
		parseOrigins(" https://exam.example.com, https://admin.example.com "),
	)
}

package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"T_INT":      "42",
		"T_BAD_INT":  "forty-two",
		"T_BOOL":     "true",
		"T_DUR":      "90s",
		"T_DUR_SECS": "15",
		"T_BYTES":    "256MiB",
		"T_FLOAT":    "0.5",
	}
	t.Cleanup(func() { Env = nil })

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"int", GetEnvInt("T_INT", 1), 42},
		{"malformed int falls back", GetEnvInt("T_BAD_INT", 7), 7},
		{"missing int", GetEnvInt("T_MISSING", 3), 3},
		{"bool", GetEnvBool("T_BOOL", false), true},
		{"duration", GetEnvDuration("T_DUR", time.Second), 90 * time.Second},
		{"duration as seconds", GetEnvDuration("T_DUR_SECS", time.Second), 15 * time.Second},
		{"bytes", GetEnvBytes("T_BYTES", 0), int64(256 * 1024 * 1024)},
		{"float", GetEnvFloat("T_FLOAT", 0), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestGetEnvFallsBackToOS(t *testing.T) {
	Env = map[string]string{}
	t.Setenv("T_FROM_OS", "os-value")
	assert.Equal(t, "os-value", GetEnv("T_FROM_OS", "def"))
	assert.Equal(t, "def", GetEnv("T_NOT_SET_ANYWHERE", "def"))
}

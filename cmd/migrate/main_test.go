package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    migration
		wantErr bool
	}{
		{name: "defaults to up", args: nil, want: migration{command: "up"}},
		{name: "status", args: []string{"status"}, want: migration{command: "status"}},
		{name: "create with name", args: []string{"create", "add_index"}, want: migration{command: "create", name: "add_index"}},
		{name: "create without name", args: []string{"create"}, wantErr: true},
		{name: "unknown", args: []string{"redo"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr {
				require.ErrorIs(t, err, errUsage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("MIGRATE_TEST_VALUE", "")
	assert.Equal(t, "fallback", getEnv("MIGRATE_TEST_VALUE", "fallback"))

	t.Setenv("MIGRATE_TEST_VALUE", "set")
	assert.Equal(t, "set", getEnv("MIGRATE_TEST_VALUE", "fallback"))
}

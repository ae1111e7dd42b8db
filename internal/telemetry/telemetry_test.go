package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), Config{ServiceName: "storebot"})
	require.NoError(t, err)
	assert.Nil(t, tel)
	assert.NoError(t, tel.Shutdown(context.Background()), "nil telemetry shuts down cleanly")
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", map[string]string{}},
		{"api-key=abc", map[string]string{"api-key": "abc"}},
		{" a = 1 , b=2=3,broken", map[string]string{"a": "1", "b": "2=3"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseHeaders(tt.in), tt.in)
	}
}

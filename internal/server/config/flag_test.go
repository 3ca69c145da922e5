package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"cmd",
				"-a", "127.0.0.1:9090", "-m", ":9100", "-d", "memory", "-s", "secret",
				"-o", "/tmp/q.db", "-i", "2", "-q", "10",
				"-y", "http://scorer/recognize", "-w", "30", "-n", "3",
				"-u", "user", "-p", "password", "-b", "bucket", "-g", "us-west-1", "-e", "http://endpoint",
			},
			expected: &Config{
				EndpointAddrGRPC:       "127.0.0.1:9090",
				MetricsAddr:            ":9100",
				DatabaseDSN:            "memory",
				SecretKey:              "secret",
				OfflineStorePath:       "/tmp/q.db",
				HealthCheckInterval:    2 * time.Second,
				DrainInterval:          10 * time.Second,
				RecognitionURL:         "http://scorer/recognize",
				RecognitionTimeout:     30 * time.Second,
				RecognitionConcurrency: 3,
				S3RootUser:             "user",
				S3RootPassword:         "password",
				S3Bucket:               "bucket",
				S3Region:               "us-west-1",
				S3BaseEndpoint:         "http://endpoint",
			},
		},
		{
			name:        "non-numeric interval",
			args:        []string{"cmd", "-i", "soon"},
			expectPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args

			config := &Config{}

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(config) })
				return
			}

			require.NotPanics(t, func() { parseFlags(config) })
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}

func TestParseFlags_KeepsValuesNotGiven(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"cmd", "-d", "memory", "--unknown", "x"}

	var c Config
	c.LoadDefaults()
	parseFlags(&c)

	assert.Equal(t, "memory", c.DatabaseDSN)
	assert.Equal(t, 5*time.Second, c.HealthCheckInterval)
	assert.Equal(t, 90*time.Second, c.RecognitionTimeout)
}

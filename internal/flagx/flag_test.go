package flagx

import (
	"flag"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "separate value",
			args:    []string{"-c", "conf.json", "-a", "localhost"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-c", "conf.json"},
		},
		{
			name:    "joined value",
			args:    []string{"-config=alt.json", "-a", "localhost"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-config=alt.json"},
		},
		{
			name:    "order preserved across forms",
			args:    []string{"-config=first.json", "-c", "second.json", "-x", "1"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-config=first.json", "-c", "second.json"},
		},
		{
			name:    "nothing allowed",
			args:    []string{"-x", "1", "-y=2", "positional"},
			allowed: []string{"-c"},
			want:    []string{},
		},
		{
			name:    "trailing flag without value",
			args:    []string{"-c"},
			allowed: []string{"-c"},
			want:    []string{"-c"},
		},
		{
			name:    "next flag is not a value",
			args:    []string{"-c", "-d", "memory"},
			allowed: []string{"-c", "-d"},
			want:    []string{"-c", "-d", "memory"},
		},
		{
			name:    "joined value may start with a dash",
			args:    []string{"-c=-odd.json"},
			allowed: []string{"-c"},
			want:    []string{"-c=-odd.json"},
		},
		{
			name:    "value of a dropped flag is dropped too",
			args:    []string{"-x", "conf.json", "-a", ":50051"},
			allowed: []string{"-a"},
			want:    []string{"-a", ":50051"},
		},
		{
			name:    "repeated flag",
			args:    []string{"-c", "one.json", "-c", "two.json"},
			allowed: []string{"-c"},
			want:    []string{"-c", "one.json", "-c", "two.json"},
		},
		{
			name:    "empty",
			args:    []string{},
			allowed: []string{"-c"},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterArgs(tt.args, tt.allowed...)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("FilterArgs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/smartbin.json", ConfigPath([]string{"-c", "/etc/smartbin.json"}))
	assert.Equal(t, "/etc/long.json", ConfigPath([]string{"-a", ":1", "-config", "/etc/long.json"}))
	assert.Equal(t, "/etc/2.json", ConfigPath([]string{"-c", "/etc/1.json", "-config=/etc/2.json"}))
	assert.Empty(t, ConfigPath([]string{"-x", "1", "-y", "2"}))
	assert.Empty(t, ConfigPath(nil))
}

func TestSecondsVar(t *testing.T) {
	d := 5 * time.Second

	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	SecondsVar(fs, &d, "i", "interval")

	assert.Equal(t, "5", fs.Lookup("i").DefValue)

	require.NoError(t, fs.Parse([]string{"-i", "30"}))
	assert.Equal(t, 30*time.Second, d)
}

func TestSecondsVar_Rejects(t *testing.T) {
	for _, v := range []string{"1.5", "-3", "5s"} {
		d := time.Second
		fs := flag.NewFlagSet("t", flag.ContinueOnError)
		fs.SetOutput(nopWriter{})
		SecondsVar(fs, &d, "i", "interval")

		assert.Error(t, fs.Parse([]string{"-i", v}), v)
		assert.Equal(t, time.Second, d, "%s must leave the value unchanged", v)
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

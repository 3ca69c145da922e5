// Package flagx holds helpers for parsing a subset of the command line into
// independent flag sets.
package flagx

import (
	"flag"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// FilterArgs keeps only the flags named in allowed, in order, together with
// their values. A value is either joined with '=' ("-c=conf.json") or the
// next argument when that argument does not start with '-'.
func FilterArgs(args []string, allowed ...string) []string {
	kept := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			continue
		}

		if name, _, joined := strings.Cut(arg, "="); joined {
			if slices.Contains(allowed, name) {
				kept = append(kept, arg)
			}
			continue
		}

		if !slices.Contains(allowed, arg) {
			continue
		}
		kept = append(kept, arg)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			kept = append(kept, args[i])
		}
	}

	return kept
}

// ConfigPath returns the value of -c or -config in args, or "" when neither
// is present. The last occurrence wins.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(FilterArgs(args, "-c", "-config"))

	return path
}

// seconds is a flag.Value reading whole seconds into a time.Duration.
type seconds struct {
	d *time.Duration
}

func (s seconds) String() string {
	if s.d == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*s.d/time.Second), 10)
}

func (s seconds) Set(v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%q is not a whole number of seconds", v)
	}
	if n < 0 {
		return fmt.Errorf("%q must not be negative", v)
	}
	*s.d = time.Duration(n) * time.Second
	return nil
}

// SecondsVar defines a flag given in whole seconds and stored in p. The
// current value of p is the default.
func SecondsVar(fs *flag.FlagSet, p *time.Duration, name, usage string) {
	fs.Var(seconds{d: p}, name, usage)
}

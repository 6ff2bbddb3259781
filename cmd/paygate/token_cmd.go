package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/auth"
)

// runToken issues a caller token signed with auth.secret. It reads only the secret, so it
// works without the rest of the configuration.
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		subject string
		roles   string
		ttl     time.Duration
		secret  string
	)
	fs.StringVar(&subject, "subject", "", "Principal id (REQUIRED)")
	fs.StringVar(&roles, "roles", "", "Comma-separated roles")
	fs.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	fs.StringVar(&secret, "secret", os.Getenv("PAYGATE_AUTH__SECRET"), "HS256 secret (defaults to PAYGATE_AUTH__SECRET)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}

	v, err := auth.NewJWTValidator([]byte(secret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	tok, err := v.Issue(subject, roleList, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

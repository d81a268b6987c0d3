package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/issuer"
	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// issueCommand is the subcommand signing a client CSR with the CA.
const issueCommand = "issue"

// issueFlags holds the flags of the issue subcommand.
type issueFlags struct {
	caCert    string
	caKey     string
	csrPath   string
	outPath   string
	lifetime  time.Duration
	dnsNames  string
	logLevel  string
	logFormat string
}

// parseIssueFlags parses the issue subcommand flags from args.
func parseIssueFlags(fs *flag.FlagSet, args []string) (issueFlags, error) {
	var f issueFlags
	fs.StringVar(&f.caCert, "ca-cert", getEnvOrDefault("AVAMTLS_CA_CERT", ""),
		"Path to the PEM CA certificate")
	fs.StringVar(&f.caKey, "ca-key", getEnvOrDefault("AVAMTLS_CA_KEY", ""),
		"Path to the PEM CA private key")
	fs.StringVar(&f.csrPath, "csr", "-", "Path to the PEM certificate request, - for stdin")
	fs.StringVar(&f.outPath, "out", "-", "Path for the PEM certificate, - for stdout")
	fs.DurationVar(&f.lifetime, "lifetime", issuer.DefaultLifetime, "Validity of the issued certificate")
	fs.StringVar(&f.dnsNames, "dns", getEnvOrDefault("AVAMTLS_ISSUE_DNS_NAMES", ""),
		"Comma separated DNS names; defaults to the names in the request")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("AVAMTLS_LOG_LEVEL", ""), "Log level")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("AVAMTLS_LOG_FORMAT", ""), "Log format")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	if f.caCert == "" || f.caKey == "" {
		return f, fmt.Errorf("both -ca-cert and -ca-key are required")
	}
	return f, nil
}

// splitNames splits a comma separated list, dropping blanks.
func splitNames(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// runIssue reads a CSR, signs it with the configured CA and writes the
// certificate.
func runIssue(f issueFlags, stdin io.Reader, stdout io.Writer, logger observability.Logger) error {
	iss, err := issuer.Load(f.caCert, f.caKey, issuer.WithLogger(logger))
	if err != nil {
		return err
	}

	var csrPEM []byte
	if f.csrPath == "-" {
		csrPEM, err = io.ReadAll(stdin)
	} else {
		csrPEM, err = os.ReadFile(f.csrPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read certificate request: %w", err)
	}

	csr, err := issuer.ParseCSR(csrPEM)
	if err != nil {
		return err
	}

	certPEM, err := iss.Issue(csr, issuer.Options{
		Lifetime: f.lifetime,
		DNSNames: splitNames(f.dnsNames),
	})
	if err != nil {
		return err
	}

	if f.outPath == "-" {
		_, err = stdout.Write(certPEM)
		return err
	}
	if err := os.WriteFile(f.outPath, certPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// issueMain is the entry point of the issue subcommand. Logs go to stderr
// so the certificate can be piped from stdout.
func issueMain(args []string) {
	f, err := parseIssueFlags(flag.NewFlagSet(issueCommand, flag.ExitOnError), args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "avamtls %s: %v\n", issueCommand, err)
		os.Exit(2)
	}

	logger := initLogger(cliFlags{logLevel: f.logLevel, logFormat: f.logFormat},
		config.LoggingConfig{Output: "stderr"})
	defer func() { _ = logger.Sync() }()

	if err := runIssue(f, os.Stdin, os.Stdout, logger); err != nil {
		logger.Fatal("failed to issue certificate", observability.Error(err))
	}
}

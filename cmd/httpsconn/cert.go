package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpstls "github.com/polisai/httpsconn/internal/tls"
)

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate and inspect certificates",
	}
	cmd.AddCommand(newCertGenerateCmd(), newCertInspectCmd())
	return cmd
}

func newCertGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a development CA with server, client and SNI certificates",
		Long: `Generate writes ca, server, client and api certificate/key pairs to the
output directory. The server certificate covers every name given with
--names plus the loopback addresses; the api certificate covers api.<first name>.

These certificates are for development and testing only.

Example:
  httpsconn cert generate --dir ./certs --names localhost,example.test`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			names, _ := cmd.Flags().GetStringSlice("names")
			return generateCertificates(cmd.OutOrStdout(), dir, names)
		},
	}
	cmd.Flags().StringP("dir", "d", "certs", "Output directory")
	cmd.Flags().StringSlice("names", []string{"localhost"}, "DNS names for the server certificate")
	return cmd
}

func generateCertificates(out io.Writer, dir string, names []string) error {
	var cleaned []string
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			cleaned = append(cleaned, name)
		}
	}
	if err := httpstls.GenerateTestCertificates(dir, cleaned); err != nil {
		return err
	}

	fmt.Fprintf(out, "Certificates written to %s:\n", dir)
	for _, name := range []string{"ca", "server", "client", "api"} {
		fmt.Fprintf(out, "  %s.crt / %s.key\n", name, name)
	}
	return nil
}

func newCertInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the certificates in a PEM file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			return inspectCertificates(cmd.OutOrStdout(), args[0], format, time.Now())
		},
	}
	cmd.Flags().StringP("format", "f", "text", "Output format: text, json")
	return cmd
}

type inspectedCertificate struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	DNSNames           []string  `json:"dns_names"`
	IPAddresses        []string  `json:"ip_addresses"`
	IsCA               bool      `json:"is_ca"`
	ServerAuthAllowed  bool      `json:"server_auth_allowed"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm"`
	Status             string    `json:"status"`
	DaysUntilExpiry    int       `json:"days_until_expiry"`
}

func inspectCertificates(out io.Writer, file, format string, now time.Time) error {
	certs, err := httpstls.ReadCertificateFile(file)
	if err != nil {
		return err
	}

	views := make([]inspectedCertificate, 0, len(certs))
	for _, cert := range certs {
		info := httpstls.NewCertificateInfo(cert)
		views = append(views, inspectedCertificate{
			Subject:            info.Subject,
			Issuer:             info.Issuer,
			SerialNumber:       info.SerialNumber,
			NotBefore:          info.NotBefore,
			NotAfter:           info.NotAfter,
			DNSNames:           info.DNSNames,
			IPAddresses:        ipStrings(info.IPAddresses),
			IsCA:               info.IsCA,
			ServerAuthAllowed:  info.ServerAuthAllowed,
			SignatureAlgorithm: info.SignatureAlgorithm,
			PublicKeyAlgorithm: info.PublicKeyAlgorithm,
			Status:             validityStatus(info, now),
			DaysUntilExpiry:    info.DaysUntilExpiry(now),
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "text", "":
		for i, v := range views {
			if i > 0 {
				fmt.Fprintln(out)
			}
			printCertificateText(out, file, v)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (supported: text, json)", format)
	}
}

func validityStatus(info *httpstls.CertificateInfo, now time.Time) string {
	switch {
	case now.Before(info.NotBefore):
		return "NOT_YET_VALID"
	case !now.Before(info.NotAfter):
		return httpstls.CertificateStatusExpired
	case info.NotAfter.Sub(now) < 30*24*time.Hour:
		return "EXPIRES_SOON"
	default:
		return "VALID"
	}
}

func printCertificateText(out io.Writer, file string, v inspectedCertificate) {
	fmt.Fprintf(out, "Certificate Information:\n")
	fmt.Fprintf(out, "  File: %s\n", file)
	fmt.Fprintf(out, "  Subject: %s\n", v.Subject)
	fmt.Fprintf(out, "  Issuer: %s\n", v.Issuer)
	fmt.Fprintf(out, "  Serial: %s\n", v.SerialNumber)
	fmt.Fprintf(out, "  Valid From: %s\n", v.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(out, "  Valid Until: %s\n", v.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(out, "  Status: %s (%d days remaining)\n", v.Status, v.DaysUntilExpiry)
	fmt.Fprintf(out, "  CA: %t\n", v.IsCA)
	fmt.Fprintf(out, "  Server Auth: %t\n", v.ServerAuthAllowed)
	if len(v.DNSNames) > 0 {
		fmt.Fprintf(out, "  DNS Names: %s\n", strings.Join(v.DNSNames, ", "))
	}
	if len(v.IPAddresses) > 0 {
		fmt.Fprintf(out, "  IP Addresses: %s\n", strings.Join(v.IPAddresses, ", "))
	}
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}

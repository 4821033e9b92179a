// Package main is the entry point for the httpsconn binary.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	httpstls "github.com/polisai/httpsconn/internal/tls"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errorMessage(err))
		os.Exit(1)
	}
}

// errorMessage adds the remediation hints carried by TLS errors.
func errorMessage(err error) string {
	var tlsErr *httpstls.TLSError
	if !errors.As(err, &tlsErr) || len(tlsErr.Suggestions) == 0 {
		return err.Error()
	}
	detailed := tlsErr.GetDetailedMessage()
	return err.Error() + detailed[len(tlsErr.Error()):]
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "httpsconn",
		Short: "TLS connection server and certificate tooling",
		Long: `httpsconn terminates TLS on raw TCP connections and hands the decrypted
stream to an application handler. The serve command runs an echo server
behind the handshake middleware; the cert commands create and inspect
development certificates.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text); overrides the config file")

	rootCmd.AddCommand(newServeCmd(), newCertCmd())
	return rootCmd
}

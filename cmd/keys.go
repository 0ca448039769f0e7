package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/example/appt-watcher/internal/crypto"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate APPTWATCH_WEBHOOK_KEY and APPTWATCH_CONTACT_KEY values (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			webhook := make([]byte, 32)
			if _, err := rand.Read(webhook); err != nil {
				return err
			}
			contact, err := crypto.NewKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "export APPTWATCH_WEBHOOK_KEY=%s\n", base64.StdEncoding.EncodeToString(webhook))
			fmt.Fprintf(out, "export APPTWATCH_CONTACT_KEY=%s\n", contact)
			return nil
		},
	}
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/example/appt-watcher/internal/config"
	"github.com/example/appt-watcher/internal/crypto"
	"github.com/example/appt-watcher/internal/db"
	"github.com/example/appt-watcher/internal/history"
	"github.com/example/appt-watcher/internal/migrate"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit        int
		showContacts bool
	)

	c := &cobra.Command{
		Use:          "history",
		Short:        "List recent watcher runs and their booking attempts",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd.Flags())
			if err != nil {
				return err
			}
			url := v.GetString("database-url")
			if url == "" {
				return errors.New("history needs --database-url or APPTWATCH_DATABASE_URL")
			}
			ctx := cmd.Context()
			d, err := db.Open(ctx, url)
			if err != nil {
				return err
			}
			defer d.Close()

			if _, err := migrate.Up(ctx, d); err != nil {
				return err
			}

			var sealer *crypto.Sealer
			if showContacts {
				k := v.GetString("contact-key")
				if k == "" {
					return errors.New("--show-contacts needs the contact key")
				}
				raw, err := crypto.DecodeKey(k)
				if err != nil {
					return err
				}
				if sealer, err = crypto.NewSealer(raw); err != nil {
					return err
				}
			}
			repo := history.NewRepo(d, sealer, appointment.Contact{})

			runs, err := repo.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tORIGIN\tWINDOW\tOUTCOME\tSWEEPS\tFOUND")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s (%d mi)\t%s..%s\t%s\t%d\t%d\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Origin, r.Radius,
					r.StartDate.Format(time.DateOnly), r.EndDate.Format(time.DateOnly),
					deref(r.Outcome, "running"), r.Sweeps, r.Found)

				attempts, err := repo.ListAttempts(ctx, r.ID)
				if err != nil {
					return err
				}
				for _, a := range attempts {
					line := fmt.Sprintf("  attempt\t%s\t%s %s\t%s\t%s\tretries=%d",
						a.StartedAt.Local().Format(time.DateTime), a.FacilityName, a.SlotStart.Format("2006-01-02 15:04"),
						a.State, deref(a.Reason, deref(a.Confirmation, "")), a.Retries)
					if showContacts {
						contact, err := repo.OpenContact(a)
						if err != nil {
							fmt.Fprintf(os.Stderr, "attempt %s: %v\n", a.ID, err)
						}
						line += "\t" + contact
					}
					fmt.Fprintln(tw, line)
				}
			}
			return tw.Flush()
		},
	}

	c.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	c.Flags().BoolVar(&showContacts, "show-contacts", false, "decrypt stored contact details")
	c.Flags().String("database-url", "", "Postgres URL for the run ledger")
	c.Flags().String("contact-key", "", "base64 key that sealed the contact details")
	return c
}

func deref(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

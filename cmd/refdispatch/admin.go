package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"refdispatch/internal/importer"
	"refdispatch/internal/logging"
	"refdispatch/internal/notify"
	"refdispatch/internal/store"

	"github.com/spf13/cobra"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the capacity store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open migrates.
			st, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "schema version %d\n", v)
			return nil
		},
	}
}

func (a *app) campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage referral campaigns",
	}

	var capacity int
	add := &cobra.Command{
		Use:   "add [url]",
		Short: "Add an active campaign",
		Long: `Adds a campaign. Workers serve active campaigns in id order until each
has consumed --capacity sessions.

Example:
  refdispatch campaign add "https://t.me/somebot?start=ref123" --capacity 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := st.CreateCampaign(cmd.Context(), args[0], capacity)
			if err != nil {
				return err
			}
			a.wake(cmd)
			fmt.Fprintf(a.out, "campaign %d added\n", id)
			return nil
		},
	}
	add.Flags().IntVar(&capacity, "capacity", 0, "Number of sessions the campaign may consume (required)")
	_ = add.MarkFlagRequired("capacity")

	list := &cobra.Command{
		Use:   "list",
		Short: "List campaigns with consumed and reserved counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			campaigns, err := st.ListCampaigns(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tCAPACITY\tCONSUMED\tRESERVED\tREMAINING\tURL")
			for _, c := range campaigns {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
					c.ID, c.Status, c.Capacity, c.Consumed, c.Reserved, c.Remaining(), c.URL)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list,
		a.campaignStatusCmd("enable", store.CampaignActive),
		a.campaignStatusCmd("disable", store.CampaignInactive))
	return cmd
}

func (a *app) campaignStatusCmd(use string, status store.CampaignStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: fmt.Sprintf("Mark a campaign %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid campaign id %q", args[0])
			}
			st, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SetCampaignStatus(cmd.Context(), id, status); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("campaign %d not found", id)
				}
				return err
			}
			if status == store.CampaignActive {
				a.wake(cmd)
			}
			fmt.Fprintf(a.out, "campaign %d %s\n", id, status)
			return nil
		},
	}
}

func (a *app) unitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Manage session units",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import [file-or-dir]...",
		Short: "Import session storage-state files as free units",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			im := importer.New(st, nil, a.logs.Get(logging.CategoryImporter), logging.NewAuditor(a.logs))
			var total importer.Result
			for _, path := range args {
				res, err := a.importPath(cmd, im, path)
				if err != nil {
					return err
				}
				total.Imported += res.Imported
				total.Duplicates += res.Duplicates
				total.Invalid += res.Invalid
			}
			if total.Imported > 0 {
				a.wake(cmd)
			}
			fmt.Fprintf(a.out, "imported %d, duplicates %d, invalid %d\n",
				total.Imported, total.Duplicates, total.Invalid)
			return nil
		},
	})
	return cmd
}

func (a *app) importPath(cmd *cobra.Command, im *importer.Importer, path string) (importer.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return importer.Result{}, err
	}
	if info.IsDir() {
		return im.ImportDir(cmd.Context(), path)
	}
	switch _, err := im.ImportFile(cmd.Context(), path); {
	case err == nil:
		return importer.Result{Imported: 1}, nil
	case errors.Is(err, store.ErrDuplicateUnit):
		return importer.Result{Duplicates: 1}, nil
	case errors.Is(err, importer.ErrInvalidSession):
		fmt.Fprintf(cmd.ErrOrStderr(), "skipping: %v\n", err)
		return importer.Result{Invalid: 1}, nil
	default:
		return importer.Result{}, err
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show unit counts and campaign progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()

			counts, err := st.UnitCounts(ctx)
			if err != nil {
				return err
			}
			campaigns, err := st.ListCampaigns(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintln(a.out, "Units:")
			for _, s := range []store.UnitStatus{
				store.UnitFree, store.UnitClaimed, store.UnitSpent, store.UnitReleased, store.UnitExhausted,
			} {
				fmt.Fprintf(a.out, "  %-10s %d\n", s, counts[s])
			}

			active, remaining := 0, 0
			for _, c := range campaigns {
				if c.Status == store.CampaignActive {
					active++
					remaining += c.Remaining()
				}
			}
			fmt.Fprintf(a.out, "Campaigns: %d (%d active, %d sessions still needed)\n",
				len(campaigns), active, remaining)
			return nil
		},
	}
}

// wake nudges running daemons when Redis is configured. Failures are
// reported but do not fail the admin command.
func (a *app) wake(cmd *cobra.Command) {
	if a.cfg.Notify.RedisAddr == "" {
		return
	}
	rw, err := notify.Dial(cmd.Context(), a.cfg.Notify, a.logs.Get(logging.CategoryNotify))
	if err == nil {
		defer rw.Close()
		err = rw.Wake(cmd.Context())
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: wake signal not sent: %v\n", err)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pharmadir/internal/config"
	"github.com/fyrsmithlabs/pharmadir/internal/dashboard"
	"github.com/fyrsmithlabs/pharmadir/internal/groups"
	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
)

var (
	// groups command flags
	grpName       string
	grpStart      string
	grpEnd        string
	grpOutputJSON bool
	grpOutFile    string
)

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsAddCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
	groupsCmd.AddCommand(groupsSetDatesCmd)
	groupsCmd.AddCommand(groupsExportCmd)
	groupsCmd.AddCommand(groupsImportCmd)

	groupsListCmd.Flags().StringVar(&grpName, "group", "", "Only list this group")
	groupsListCmd.Flags().BoolVar(&grpOutputJSON, "json", false, "Output results as JSON")

	groupsAddCmd.Flags().StringVar(&grpName, "group", "", "Group name (required)")
	groupsAddCmd.Flags().StringVar(&grpStart, "start", "", "Start date YYYY-MM-DD")
	groupsAddCmd.Flags().StringVar(&grpEnd, "end", "", "End date YYYY-MM-DD")
	_ = groupsAddCmd.MarkFlagRequired("group")

	groupsSetDatesCmd.Flags().StringVar(&grpStart, "start", "", "Start date YYYY-MM-DD")
	groupsSetDatesCmd.Flags().StringVar(&grpEnd, "end", "", "End date YYYY-MM-DD")

	groupsExportCmd.Flags().StringVarP(&grpOutFile, "out", "o", "", "Write to file instead of stdout")
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Maintain the Group Registry",
	Long: `Maintain the Group Registry: named groups of pharmacies with optional
start and end dates, keyed by NPI.`,
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List group assignments",
	Args:  cobra.NoArgs,
	RunE:  runGroupsList,
}

var groupsAddCmd = &cobra.Command{
	Use:   "add NPI...",
	Short: "Add pharmacies from the current snapshot to a group",
	Long: `Add pharmacies to a group. Each NPI must be in the current directory
snapshot, which supplies the pharmacy name.

Examples:
  pharmadir groups add --group "Pilot A" --start 2026-01-01 1234567890 1987654321`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGroupsAdd,
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete NPI...",
	Short: "Remove every assignment for the given NPIs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGroupsDelete,
}

var groupsSetDatesCmd = &cobra.Command{
	Use:   "set-dates NPI...",
	Short: "Set start and end dates on every assignment for the given NPIs",
	Long: `Set start and end dates on every assignment for the given NPIs. Omitted
dates are cleared.

Examples:
  pharmadir groups set-dates --start 2026-01-01 --end 2026-12-31 1234567890`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGroupsSetDates,
}

var groupsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the registry as CSV",
	Long: `Write every assignment as registry CSV. Together with import this moves a
registry between the csv and sqlite drivers.

Examples:
  pharmadir groups export --out groups-backup.csv`,
	Args: cobra.NoArgs,
	RunE: runGroupsExport,
}

var groupsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Append assignments from a registry CSV file",
	Long: `Append every assignment in a registry CSV file. The file is validated as a
whole; a bad row adds nothing.

Examples:
  pharmadir groups import groups-backup.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runGroupsImport,
}

// openRegistry opens the configured registry with metrics and logging.
func openRegistry() (*config.Config, groups.Store, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}
	store, err := groups.Open(cfg.Registry.Driver, cfg.Registry.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening group registry: %w", err)
	}
	return cfg, groups.Instrument(store, metrics.New(), logger), nil
}

func runGroupsList(cmd *cobra.Command, _ []string) error {
	_, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}
	if grpName != "" {
		filtered := rows[:0]
		for _, a := range rows {
			if a.GroupName == grpName {
				filtered = append(filtered, a)
			}
		}
		rows = filtered
	}

	out := cmd.OutOrStdout()
	if grpOutputJSON {
		if rows == nil {
			rows = []groups.Assignment{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No group assignments.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(groups.Columns, "\t"))
	for _, a := range rows {
		fmt.Fprintln(w, strings.Join(a.Values(), "\t"))
	}
	return w.Flush()
}

func runGroupsAdd(cmd *cobra.Command, args []string) error {
	cfg, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	assignments, err := assignmentsFor(cfg, strings.TrimSpace(grpName), args, grpStart, grpEnd)
	if err != nil {
		return err
	}
	if err := store.Append(cmd.Context(), assignments...); err != nil {
		return fmt.Errorf("failed to add assignments: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %d pharmacies to %q\n", len(assignments), grpName)
	return nil
}

// assignmentsFor looks each NPI up in the configured snapshot.
func assignmentsFor(cfg *config.Config, group string, npis []string, start, end string) ([]groups.Assignment, error) {
	if group == "" {
		return nil, fmt.Errorf("%w: group name is required", groups.ErrInvalid)
	}
	if err := groups.ValidateDates(start, end); err != nil {
		return nil, err
	}

	source := &dashboard.Source{
		Dir:    cfg.Output.Dir,
		Prefix: cfg.Output.Prefix,
		Mode:   cfg.Dashboard.Snapshot,
		Cache:  dashboard.NewCache(nil),
	}
	snap, rows, err := source.Load()
	if err != nil {
		return nil, fmt.Errorf("loading directory snapshot: %w", err)
	}

	byNPI := make(map[string]int, len(rows))
	for i, r := range rows {
		byNPI[r.NPI] = i
	}
	out := make([]groups.Assignment, 0, len(npis))
	var unknown []string
	for _, npi := range npis {
		npi = strings.TrimSpace(npi)
		i, ok := byNPI[npi]
		if !ok {
			unknown = append(unknown, npi)
			continue
		}
		out = append(out, groups.ForRow(group, rows[i], start, end))
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("NPIs not in snapshot %s: %s", snap.Path, strings.Join(unknown, ", "))
	}
	return out, nil
}

func runGroupsDelete(cmd *cobra.Command, args []string) error {
	_, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteByNPI(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("failed to delete assignments: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d assignments\n", n)
	return nil
}

func runGroupsSetDates(cmd *cobra.Command, args []string) error {
	_, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.UpdateDates(cmd.Context(), args, grpStart, grpEnd)
	if err != nil {
		return fmt.Errorf("failed to update dates: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %d assignments\n", n)
	return nil
}

func runGroupsExport(cmd *cobra.Command, _ []string) error {
	_, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	if grpOutFile == "" {
		return groups.Export(cmd.Context(), store, cmd.OutOrStdout())
	}
	f, err := os.Create(grpOutFile)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", grpOutFile, err)
	}
	if err := groups.Export(cmd.Context(), store, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export groups: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", grpOutFile, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported registry to %s\n", grpOutFile)
	return nil
}

func runGroupsImport(cmd *cobra.Command, args []string) error {
	_, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	n, err := groups.Import(cmd.Context(), store, f)
	if err != nil {
		return fmt.Errorf("failed to import groups: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d assignments\n", n)
	return nil
}

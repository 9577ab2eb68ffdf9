package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"southwinds.dev/warden/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit trail integrity",
	Long: `Re-walk the audit trail recomputing per-entry checksums and chain links.
All discontinuities are reported, not just the first one.`,
	RunE: runAuditVerify,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List audit entries",
	RunE:  runAuditQuery,
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove audit entries older than a cutoff",
	Long: `Bulk-remove entries older than the cutoff for retention. This is the only
deletion the audit trail supports; individual entries can never be removed.
Purging a chained log leaves a verifiable discontinuity at the cutoff.`,
	RunE: runAuditPurge,
}

func init() {
	auditQueryCmd.Flags().String("event-type", "", "filter by event type (e.g. LOGIN, KEY_ROTATION)")
	auditQueryCmd.Flags().String("outcome", "", "filter by outcome (SUCCESS, FAILURE, WARNING, BLOCKED)")
	auditQueryCmd.Flags().String("level", "", "filter by security level (NORMAL, ELEVATED, CRITICAL)")
	auditQueryCmd.Flags().String("user", "", "filter by user id")
	auditQueryCmd.Flags().String("since", "", "only entries newer than a duration (e.g. 24h) or RFC3339 time")
	auditQueryCmd.Flags().Int("limit", 100, "maximum entries to print")

	auditPurgeCmd.Flags().String("older-than", "", "cutoff as a duration (e.g. 720h) or RFC3339 time (required)")
	auditPurgeCmd.MarkFlagRequired("older-than")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditPurgeCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	report, err := trail.VerifyIntegrity()
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Printf("Entries walked: %d\n", report.Entries)
	if report.OK() {
		fmt.Println("Integrity: OK")
		return nil
	}

	if len(report.EntriesWithoutChecksum) > 0 {
		fmt.Printf("Entries without checksum: %v\n", report.EntriesWithoutChecksum)
	}
	if len(report.EntriesWithBadChecksum) > 0 {
		fmt.Printf("Entries with bad checksum: %v\n", report.EntriesWithBadChecksum)
	}
	if len(report.BrokenChainLinks) > 0 {
		fmt.Printf("Broken chain links at: %v\n", report.BrokenChainLinks)
	}
	return fmt.Errorf("audit trail integrity violations found")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{
		EventType:     audit.EventType(strings.ToUpper(cmd.Flag("event-type").Value.String())),
		Outcome:       audit.Outcome(strings.ToUpper(cmd.Flag("outcome").Value.String())),
		SecurityLevel: audit.SecurityLevel(strings.ToUpper(cmd.Flag("level").Value.String())),
		UserID:        cmd.Flag("user").Value.String(),
	}
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	if since := cmd.Flag("since").Value.String(); since != "" {
		t, err := parseTimeFlag(since)
		if err != nil {
			return err
		}
		filter.Since = &t
	}

	entries, err := trail.Query(filter)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No matching audit entries")
		return nil
	}
	for _, e := range entries {
		detail := ""
		if e.Detail != "" {
			detail = " " + e.Detail
		}
		fmt.Printf("%6d  %s  %-16s %-8s %-8s %s%s\n",
			e.ID, e.Timestamp.Format("2006-01-02 15:04:05"),
			e.EventType, e.Outcome, e.SecurityLevel, e.Action, detail)
	}
	return nil
}

func runAuditPurge(cmd *cobra.Command, args []string) error {
	cutoff, err := parseTimeFlag(cmd.Flag("older-than").Value.String())
	if err != nil {
		return err
	}

	removed, err := trail.PurgeOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}

	fmt.Printf("Removed %d audit entries older than %s\n", removed, cutoff.Format("2006-01-02 15:04:05"))
	return nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and key status",
	Long:  "Display the session state, memory protection level and key record status.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Warden Status")
	fmt.Println("=============")

	fmt.Printf("Session State: %s\n", session.State())
	fmt.Printf("Session ID: %s\n", session.CurrentSessionID())
	fmt.Printf("Memory Protection: %s\n", session.MemoryProtection())

	pending, err := keyManager.HasPendingBackup()
	if err != nil {
		fmt.Printf("Pending Rotation Backup: ERROR - %v\n", err)
	} else if pending {
		fmt.Println("Pending Rotation Backup: YES (a rotation did not complete)")
	} else {
		fmt.Println("Pending Rotation Backup: no")
	}

	report, err := trail.VerifyIntegrity()
	if err != nil {
		fmt.Printf("Audit Entries: ERROR - %v\n", err)
	} else {
		fmt.Printf("Audit Entries: %d\n", report.Entries)
		if report.OK() {
			fmt.Println("Audit Integrity: OK")
		} else {
			fmt.Println("Audit Integrity: VIOLATIONS FOUND (run 'warden audit verify')")
		}
	}

	fmt.Printf("State Path: %s\n", wardenPath)
	return nil
}

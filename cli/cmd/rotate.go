package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"southwinds.dev/warden"
	"southwinds.dev/warden/internal/mem"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the storage passphrase",
	Long: `Rotate the passphrase that encrypts the data store. The previous passphrase
is backed up, the new one is committed and verified by resealing and reopening
the store, and only then is the backup cleared. A failed verification rolls
back automatically.`,
	RunE: runRotate,
}

func init() {
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, args []string) error {
	fmt.Println("Rotating storage passphrase...")

	oldPassphrase, err := keyManager.GetOrCreatePassphrase()
	if err != nil {
		return fmt.Errorf("failed to read current passphrase: %w", err)
	}
	defer mem.Wipe(oldPassphrase)

	storeDir := filepath.Join(wardenPath, "store")
	err = keyManager.Rotate(func(newPassphrase []byte) error {
		if err := gate.CloseStore(); err != nil {
			return err
		}
		if err := warden.RekeyBadgerStore(storeDir, oldPassphrase, newPassphrase); err != nil {
			return err
		}
		// The store must actually open with the new passphrase before
		// the old one is discarded.
		if _, err := gate.GetStoreWithRetry(3); err != nil {
			// Undo the reseal so the store matches the passphrase the
			// rollback restores.
			if rbErr := warden.RekeyBadgerStore(storeDir, newPassphrase, oldPassphrase); rbErr != nil {
				return fmt.Errorf("store open failed (%v) and reseal undo failed: %w", err, rbErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if warden.IsRollbackFailure(err) {
			return fmt.Errorf("rotation failed AND rollback failed, manual recovery required: %w", err)
		}
		return fmt.Errorf("rotation failed: %w", err)
	}

	fmt.Println("Storage passphrase rotated successfully")
	return nil
}

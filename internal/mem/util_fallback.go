//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On unsupported platforms zeroing still works, but swapping cannot
	// be prevented
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}

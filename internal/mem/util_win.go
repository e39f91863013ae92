//go:build windows

package mem

// VirtualLock exists on Windows but is page-granular and quota-bound; the
// wipe-on-free discipline carries most of the weight there.
func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}

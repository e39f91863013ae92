package checktick

import (
	"crypto/rand"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

// The platform master key is never persisted whole. At bootstrap it is
// split byte-wise by XOR into a vault component (held by the secret store)
// and a custodian component (held offline by platform operators).
// Possession of exactly one component yields no information about the key.

// GeneratePlatformComponents creates the two components together at
// platform bootstrap. The master key itself is materialized only long
// enough to compute the split and is wiped before return; from then on it
// exists only transiently inside ReconstructPlatformKey callers.
func GeneratePlatformComponents() (vaultComponent, custodianComponent []byte, err error) {
	master := make([]byte, misc.PlatformKeySize)
	if _, err = rand.Read(master); err != nil {
		return nil, nil, fmt.Errorf("failed to generate platform key: %w", err)
	}
	defer wipe(master)

	vaultComponent = make([]byte, misc.PlatformKeySize)
	if _, err = rand.Read(vaultComponent); err != nil {
		return nil, nil, fmt.Errorf("failed to generate vault component: %w", err)
	}

	custodianComponent = make([]byte, misc.PlatformKeySize)
	for i := range master {
		custodianComponent[i] = master[i] ^ vaultComponent[i]
	}

	return vaultComponent, custodianComponent, nil
}

// ReconstructPlatformKey combines the two components into the platform
// master key. Pure XOR, O(1), no I/O, no state: the result is never cached
// here or anywhere else. Every caller re-reconstructs inside an already
// authorized operation and wipes the result when the stack frame ends.
func ReconstructPlatformKey(vaultComponent, custodianComponent []byte) ([]byte, error) {
	if len(vaultComponent) != misc.PlatformKeySize {
		return nil, fmt.Errorf("%w: vault component must be %d bytes, got %d",
			ErrPreconditionViolation, misc.PlatformKeySize, len(vaultComponent))
	}
	if len(custodianComponent) != misc.PlatformKeySize {
		return nil, fmt.Errorf("%w: custodian component must be %d bytes, got %d",
			ErrPreconditionViolation, misc.PlatformKeySize, len(custodianComponent))
	}

	key := make([]byte, misc.PlatformKeySize)
	for i := range key {
		key[i] = vaultComponent[i] ^ custodianComponent[i]
	}
	return key, nil
}

// SplitCustodianComponent divides the custodian component into Shamir
// shares for distribution among platform operators. Any threshold of the
// shares recombines to the component; fewer reveal nothing. Defaults are
// 3 of 4.
func SplitCustodianComponent(component []byte, shares, threshold int) ([][]byte, error) {
	if len(component) != misc.PlatformKeySize {
		return nil, fmt.Errorf("%w: custodian component must be %d bytes, got %d",
			ErrPreconditionViolation, misc.PlatformKeySize, len(component))
	}
	if shares == 0 {
		shares = misc.DefaultShareCount
	}
	if threshold == 0 {
		threshold = misc.DefaultShareThreshold
	}
	if threshold < 2 || threshold > shares {
		return nil, fmt.Errorf("%w: threshold %d invalid for %d shares",
			ErrPreconditionViolation, threshold, shares)
	}

	parts, err := shamir.Split(component, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split custodian component: %w", err)
	}
	return parts, nil
}

// CombineCustodianShares recombines operator shares into the custodian
// component. The share count must meet the threshold used at split time;
// shamir itself rejects insufficient or corrupted sets.
func CombineCustodianShares(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("%w: at least two shares required", ErrPreconditionViolation)
	}

	component, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine custodian shares: %w", err)
	}
	if len(component) != misc.PlatformKeySize {
		wipe(component)
		return nil, fmt.Errorf("combined component has wrong size %d", len(component))
	}
	return component, nil
}

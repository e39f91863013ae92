package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eatyourpeas-ltd/checktick"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key store status",
	Long:  "Display information about the key store, the platform vault component, and recovery request counts.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("CheckTick Key Store Status")
	fmt.Println("==========================")

	fmt.Printf("Memory Protection: %s\n", hierarchy.MemoryProtection())
	fmt.Printf("Store Type: %s\n", store.GetType())
	if err := store.Ping(); err != nil {
		fmt.Printf("Store Health: ERROR - %v\n", err)
	} else {
		fmt.Println("Store Health: ok")
	}

	exists, err := store.PlatformComponentExists()
	if err != nil {
		fmt.Printf("Platform Vault Component: ERROR - %v\n", err)
	} else if exists {
		fmt.Println("Platform Vault Component: present")
	} else {
		fmt.Println("Platform Vault Component: NOT INITIALIZED (run 'platform init')")
	}

	requests, err := engine.List("")
	if err != nil {
		fmt.Printf("Recovery Requests: ERROR - %v\n", err)
		return nil
	}

	counts := map[checktick.RecoveryState]int{}
	for _, r := range requests {
		counts[r.State]++
	}

	fmt.Printf("Recovery Requests: %d\n", len(requests))
	for _, state := range []checktick.RecoveryState{
		checktick.StateSubmitted,
		checktick.StateVerificationPending,
		checktick.StatePendingApproval,
		checktick.StateApproved,
		checktick.StateCompleted,
		checktick.StateCancelled,
	} {
		if counts[state] > 0 {
			fmt.Printf("  %s: %d\n", state, counts[state])
		}
	}

	return nil
}

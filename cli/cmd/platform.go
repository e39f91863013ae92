package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/eatyourpeas-ltd/checktick"
)

var platformCmd = &cobra.Command{
	Use:   "platform",
	Short: "Manage platform key components",
	Long: `Manage the split-knowledge platform key. The platform key never exists at
rest: it is split into a vault component kept in the configured store and a
custodian component that is itself divided into Shamir shares held by
separate people. Normal operation touches only the vault component; the
custodian shares are needed solely for emergency recovery.`,
}

var platformInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate and split the platform key",
	Long: `Generate a fresh platform key, store its vault component, and write the
custodian component's Shamir shares to individual files. Distribute each
share file to a different custodian and delete the local copies. This
command refuses to run if a vault component already exists.`,
	RunE: runPlatformInit,
}

var platformCombineCmd = &cobra.Command{
	Use:   "combine <share-file>...",
	Short: "Recombine custodian shares",
	Long: `Recombine a quorum of custodian share files into the custodian component
and write it to the output file. Intended for recovery ceremonies; the
output file should be destroyed as soon as the recovery completes.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPlatformCombine,
}

var (
	shareCount     int
	shareThreshold int
	shareOutputDir string
	combineOutput  string
)

func init() {
	rootCmd.AddCommand(platformCmd)

	platformCmd.AddCommand(platformInitCmd)
	platformCmd.AddCommand(platformCombineCmd)

	platformInitCmd.Flags().IntVar(&shareCount, "shares", 4, "number of custodian shares to create")
	platformInitCmd.Flags().IntVar(&shareThreshold, "threshold", 3, "shares required to recombine")
	platformInitCmd.Flags().StringVar(&shareOutputDir, "output-dir", ".", "directory to write share files to")

	platformCombineCmd.Flags().StringVarP(&combineOutput, "output", "o", "custodian.component", "output file for the recombined component")
}

func runPlatformInit(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	exists, err := store.PlatformComponentExists()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to check for existing component: %w", err), started)
	}
	if exists {
		return auditCmdComplete(cmd, fmt.Errorf("a platform vault component already exists in this store"), started)
	}

	vaultComponent, custodianComponent, err := checktick.GeneratePlatformComponents()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to generate platform key: %w", err), started)
	}
	defer memguard.WipeBytes(custodianComponent)
	defer memguard.WipeBytes(vaultComponent)

	shares, err := checktick.SplitCustodianComponent(custodianComponent, shareCount, shareThreshold)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to split custodian component: %w", err), started)
	}

	if _, err = store.SavePlatformComponent(vaultComponent, ""); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to store vault component: %w", err), started)
	}

	fmt.Println("Platform key generated.")
	fmt.Printf("Vault component stored (%s store).\n", store.GetType())
	fmt.Printf("Custodian component split into %d shares, %d required to recombine.\n", shareCount, shareThreshold)

	for i, share := range shares {
		path := filepath.Join(shareOutputDir, fmt.Sprintf("custodian-share-%d.txt", i+1))
		if err = writeShareFile(path, share); err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to write share %d: %w", i+1, err), started)
		}
		memguard.WipeBytes(share)
		fmt.Printf("  Share %d: %s\n", i+1, path)
	}

	fmt.Println()
	fmt.Println("Distribute each share file to a separate custodian, then delete the local copies.")

	return auditCmdComplete(cmd, nil, started)
}

func runPlatformCombine(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	component, err := combineShareFiles(args)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer memguard.WipeBytes(component)

	encoded := base64.StdEncoding.EncodeToString(component)
	if err = os.WriteFile(combineOutput, []byte(encoded+"\n"), 0600); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to write component file: %w", err), started)
	}

	fmt.Printf("Custodian component written to %s\n", combineOutput)
	fmt.Println("Destroy this file as soon as the recovery ceremony completes.")

	return auditCmdComplete(cmd, nil, started)
}

// combineShareFiles reads and recombines a set of base64 share files.
func combineShareFiles(paths []string) ([]byte, error) {
	shares := make([][]byte, 0, len(paths))
	for _, path := range paths {
		share, err := readShareFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read share %s: %w", path, err)
		}
		shares = append(shares, share)
	}
	defer func() {
		for _, s := range shares {
			memguard.WipeBytes(s)
		}
	}()

	component, err := checktick.CombineCustodianShares(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to recombine shares: %w", err)
	}
	return component, nil
}

func writeShareFile(path string, share []byte) error {
	encoded := base64.StdEncoding.EncodeToString(share)
	return os.WriteFile(path, []byte(encoded+"\n"), 0600)
}

func readShareFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
}


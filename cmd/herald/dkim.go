package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key and print its DNS record.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

var dkimCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that DNS publishes the signing key",
	Long:  `Look up the DKIM TXT record and compare it with the public half of the private key.`,
	RunE:  runDKIMCheck,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "herald", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "herald", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCheckCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimCheckCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimCheckCmd.Flags().StringVar(&dkimSelector, "selector", "herald", "DKIM selector")
	dkimCheckCmd.MarkFlagRequired("key")
	dkimCheckCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd, dkimCheckCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := dkim.GenerateKey()
	if err != nil {
		return err
	}

	keyPath := filepath.Join(dkimOutDir, dkimDomain+".key")
	if err := dkim.SaveKey(key, keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	record, err := dkim.TXTRecord(key)
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printRecord(record)
	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	record, err := dkim.TXTRecord(key)
	if err != nil {
		return err
	}

	printRecord(record)
	return nil
}

func runDKIMCheck(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := dkim.Check(ctx, nil, dkimDomain, dkimSelector, key)
	fmt.Printf("Record: %s\n", result.Name)
	fmt.Printf("Status: %s\n", result.Status)
	if result.Message != "" {
		fmt.Printf("  %s\n", result.Message)
	}

	if result.Status != dkim.CheckOK {
		return fmt.Errorf("DKIM record check failed: %s", result.Status)
	}
	return nil
}

func printRecord(record string) {
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name:  %s\n", dkim.RecordName(dkimDomain, dkimSelector))
	fmt.Printf("  Type:  TXT\n")
	fmt.Printf("  Value: %s\n", record)
}

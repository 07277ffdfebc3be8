package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gluk-w/termctl/internal/auth"
	"github.com/gluk-w/termctl/internal/database"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshkeys"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Export or import security rules as YAML",
}

var rulesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write every rule to file, or stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			data, err := a.policy.ExportRules(ctx)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(args[0], data, 0o644)
		})
	},
}

var importOverwrite bool

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return importRulesFile(ctx, a, args[0], importOverwrite)
		})
	},
}

func importRulesFile(ctx context.Context, a *app, path string, overwrite bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	res, err := a.policy.ImportRules(ctx, data, overwrite)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "rules: %d imported, %d updated, %d skipped\n", res.Imported, res.Updated, res.Skipped)
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", e.Name, e.Error)
	}
	return nil
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Maintain the audit log",
}

var purgeDays int

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit entries older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.audit.PurgeOlderThan(purgeDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d audit entries\n", n)
			return nil
		})
	},
}

var (
	exportFormat   string
	exportCategory string
	exportEndpoint uint
)

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write audit entries to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			f := sshaudit.Filter{Category: exportCategory, EndpointID: exportEndpoint}
			return a.audit.Export(ctx, cmd.OutOrStdout(), f, exportFormat)
		})
	},
}

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage endpoints",
}

var epFlags struct {
	name       string
	address    string
	port       int
	user       string
	group      string
	password   string
	keyFile    string
	passphrase string
}

var endpointAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an endpoint and its credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := auth.Material{Type: auth.TypePassword, Secret: epFlags.password}
		switch {
		case epFlags.keyFile != "" && epFlags.password != "":
			return fmt.Errorf("use either --password or --key-file, not both")
		case epFlags.keyFile != "":
			key, err := os.ReadFile(epFlags.keyFile)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}
			if _, err := sshkeys.ParsePrivateKey(key, epFlags.passphrase); err != nil {
				return err
			}
			m = auth.Material{Type: auth.TypeKey, Secret: string(key), Passphrase: epFlags.passphrase}
		case epFlags.password == "":
			return fmt.Errorf("--password or --key-file is required")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			credID, err := a.creds.Save(ctx, m)
			if err != nil {
				return err
			}
			ep := &database.Endpoint{
				Name:         epFlags.name,
				Address:      epFlags.address,
				Port:         epFlags.port,
				Username:     epFlags.user,
				Group:        epFlags.group,
				CredentialID: credID,
			}
			if err := a.hosts.Create(ctx, ep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "endpoint %s created with id %d\n", ep.Name, ep.ID)
			return nil
		})
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			eps, err := a.hosts.List(ctx, epFlags.group)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ep := range eps {
				fmt.Fprintf(out, "%d\t%s\t%s@%s:%d\t%s\n", ep.ID, ep.Name, ep.Username, ep.Address, ep.Port, ep.Status)
			}
			return nil
		})
	},
}

var keygenFlags struct {
	dir        string
	name       string
	passphrase string
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ED25519 key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			pub, priv []byte
			err       error
		)
		if keygenFlags.passphrase != "" {
			pub, priv, err = sshkeys.GenerateEncryptedKeyPair(keygenFlags.passphrase)
		} else {
			pub, priv, err = sshkeys.GenerateKeyPair()
		}
		if err != nil {
			return err
		}
		if err := sshkeys.SaveKeyPair(keygenFlags.dir, keygenFlags.name, priv, pub); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n%s", filepath.Join(keygenFlags.dir, keygenFlags.name), pub)
		return nil
	},
}

// withApp opens the database-backed components for a one-shot command.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func init() {
	rulesImportCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "replace rules that already exist")
	rulesCmd.AddCommand(rulesExportCmd, rulesImportCmd)

	auditPurgeCmd.Flags().IntVar(&purgeDays, "days", 0, "retention in days (0 uses TERMCTL_AUDIT_RETENTION_DAYS)")
	auditExportCmd.Flags().StringVar(&exportFormat, "format", sshaudit.FormatCSV, "csv or json")
	auditExportCmd.Flags().StringVar(&exportCategory, "category", "", "only this category")
	auditExportCmd.Flags().UintVar(&exportEndpoint, "endpoint", 0, "only this endpoint id")
	auditCmd.AddCommand(auditPurgeCmd, auditExportCmd)

	f := endpointAddCmd.Flags()
	f.StringVar(&epFlags.name, "name", "", "endpoint name")
	f.StringVar(&epFlags.address, "address", "", "host name or IP")
	f.IntVar(&epFlags.port, "port", 22, "SSH port")
	f.StringVar(&epFlags.user, "user", "", "login user")
	f.StringVar(&epFlags.group, "group", "", "endpoint group")
	f.StringVar(&epFlags.password, "password", "", "password auth")
	f.StringVar(&epFlags.keyFile, "key-file", "", "private key file")
	f.StringVar(&epFlags.passphrase, "passphrase", "", "private key passphrase")
	endpointAddCmd.MarkFlagRequired("name")
	endpointAddCmd.MarkFlagRequired("address")
	endpointAddCmd.MarkFlagRequired("user")
	endpointListCmd.Flags().StringVar(&epFlags.group, "group", "", "only this group")
	endpointCmd.AddCommand(endpointAddCmd, endpointListCmd)

	keygenCmd.Flags().StringVar(&keygenFlags.dir, "dir", ".", "output directory")
	keygenCmd.Flags().StringVar(&keygenFlags.name, "name", "termctl_ed25519", "key file name")
	keygenCmd.Flags().StringVar(&keygenFlags.passphrase, "passphrase", "", "encrypt the private key")
}

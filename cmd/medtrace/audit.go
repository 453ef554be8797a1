package main

import (
	"bufio"
	"fmt"
	"io"
	"medtrace/internal/auditexport"
	"medtrace/internal/core"
	"medtrace/pkg/domain"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(auditExportCommand())
	return cmd
}

type auditExportFlags struct {
	format string
	output string
	action string
	user   string
}

func auditExportCommand() *cobra.Command {
	flags := auditExportFlags{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the audit log in (timestamp, id) order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			format, err := auditexport.ParseFormat(flags.format)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := core.OpenPersistentStore(cfg.StorageOptions(), nil, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = store.Close() }()

			svc := core.NewService(store, core.WithLogger(logger.Named("core")))
			entries, err := svc.ExportAudit(cmd.Context(), domain.SystemActor, domain.AuditFilter{
				Action: domain.AuditAction(strings.ToUpper(flags.action)),
				User:   flags.user,
			})
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if flags.output != "" && flags.output != "-" {
				f, err := os.Create(flags.output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			w := bufio.NewWriter(out)
			n, err := auditexport.Write(w, format, entries)
			if err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			logger.Info("audit log exported", zap.Int("entries", n), zap.String("format", string(format)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.format, "format", "f", string(auditexport.FormatJSONL), "export format (jsonl, cbor)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&flags.action, "action", "", "only export entries with this action")
	cmd.Flags().StringVar(&flags.user, "user", "", "only export entries by this user")
	return cmd
}

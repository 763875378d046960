package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-harvester/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the checkpoint as a spreadsheet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("export"); err != nil {
			return err
		}

		path := checkpointPath(cmd)
		if _, err := os.Stat(path); err != nil {
			return eris.Wrapf(err, "export: checkpoint %s", path)
		}

		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		format, out, err := exportTarget(path, format, out)
		if err != nil {
			return err
		}

		prof, err := loadProfile()
		if err != nil {
			return err
		}
		st, err := openCheckpoint(path, prof)
		if err != nil {
			return err
		}

		var n int
		switch format {
		case "xlsx":
			n, err = export.WriteXLSX(st, out)
		case "csv":
			n, err = export.WriteCSV(st, out)
		}
		if err != nil {
			return eris.Wrap(err, "export")
		}

		fmt.Fprintf(os.Stdout, "wrote %d records to %s\n", n, out)
		return nil
	},
}

// exportTarget resolves the output format and path. The format defaults to
// the output's extension, then to xlsx; the path defaults to the checkpoint
// path with the format's extension.
func exportTarget(checkpoint, format, out string) (string, string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(out)), ".")
	}
	if format == "" {
		format = "xlsx"
	}
	if format != "xlsx" && format != "csv" {
		return "", "", eris.Errorf("export: unsupported format %q", format)
	}
	if out == "" {
		out = strings.TrimSuffix(checkpoint, filepath.Ext(checkpoint)) + "." + format
	}
	if filepath.Clean(out) == filepath.Clean(checkpoint) {
		return "", "", eris.Errorf("export: output %s would overwrite the checkpoint", out)
	}
	return format, out, nil
}

func init() {
	exportCmd.Flags().String("checkpoint", "", "checkpoint CSV path (default from checkpoint.path)")
	exportCmd.Flags().String("out", "", "output path (default: checkpoint path with the format's extension)")
	exportCmd.Flags().String("format", "", "output format: xlsx or csv (default from --out, else xlsx)")
	rootCmd.AddCommand(exportCmd)
}

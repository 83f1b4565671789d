package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/harness"
)

// File kinds checked by validate.
const (
	kindConfig   = "config"
	kindScenario = "scenario"
)

// FileValidation is the outcome for one file.
type FileValidation struct {
	File  string `json:"file"`
	Kind  string `json:"kind"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate configuration and scenario files",
		Long: `Validate CUE configuration files (.cue) against the configuration schema
and scenario files (.yaml, .yml) against the scenario format, without
starting a server.

Directories are searched recursively.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	files, err := collectValidationFiles(paths)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to collect files", err)
	}
	if len(files) == 0 {
		_ = formatter.Error(ErrCodeInvalidInput, "no configuration or scenario files found", paths)
		return NewExitError(ExitCommandError, "no files to validate")
	}

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, f := range files {
		formatter.VerboseLog("Validating %s: %s", fileKind(f), f)
		v := validateFile(f)
		if !v.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, v)
	}

	if formatter.JSON() {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		for _, v := range result.Files {
			if v.Valid {
				fmt.Fprintf(w, "✓ %s (%s)\n", v.File, v.Kind)
				continue
			}
			fmt.Fprintf(w, "✗ %s (%s)\n  %s\n", v.File, v.Kind, v.Error)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

// collectValidationFiles expands directories into their .cue and scenario
// files. Explicit file arguments are kept whatever their extension.
func collectValidationFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("path not found: %s", p)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		for _, ext := range []string{".cue", ".yaml", ".yml"} {
			found, err := findFiles(p, ext)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
		}
	}
	return files, nil
}

func fileKind(path string) string {
	if filepath.Ext(path) == ".cue" {
		return kindConfig
	}
	return kindScenario
}

func validateFile(path string) FileValidation {
	v := FileValidation{File: path, Kind: fileKind(path), Valid: true}

	var err error
	switch v.Kind {
	case kindConfig:
		_, err = config.LoadFile(path)
	default:
		_, err = harness.LoadScenario(path)
	}
	if err != nil {
		v.Valid = false
		v.Error = err.Error()
	}
	return v
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/rendis/entityflow/internal/validation"
	"github.com/rendis/entityflow/pkg/schema"
)

type validateReport struct {
	File     string                   `json:"file"`
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// runValidate checks bundles without installing them. Custom condition and
// action handlers are registered in code, so references to them are not
// checked here.
func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: entityflow validate <bundle>...")
	}
	files, err := definitionFiles(fs.Args())
	if err != nil {
		return err
	}

	loader, err := validation.NewLoader(validation.LoaderOptions{})
	if err != nil {
		return err
	}

	invalid := 0
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, path := range files {
		rep := validateReport{File: path}
		_, result, loadErr := loader.LoadFile(path)
		if result == nil {
			// Unreadable file.
			return loadErr
		}
		rep.Valid = loadErr == nil
		rep.Errors = result.Errors
		rep.Warnings = result.Warnings
		if !rep.Valid {
			invalid++
		}
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d bundles invalid", invalid, len(files))
	}
	return nil
}

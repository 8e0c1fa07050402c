package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/entityflow/internal/diagram"
	"github.com/rendis/entityflow/internal/validation"
	"github.com/rendis/entityflow/pkg/schema"
)

// runDiagram renders a workflow of a bundle file.
func runDiagram(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	entityType := fs.String("entity-type", "", "entity type whose active workflow is drawn (default: the only workflow)")
	workflowID := fs.String("workflow", "", "workflow ID or name, overrides -entity-type")
	format := fs.String("format", "mermaid", "output format: mermaid, ascii, png, svg")
	output := fs.String("o", "", "output file (default: stdout; required for png)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: entityflow diagram [flags] <bundle>")
	}

	loader, err := validation.NewLoader(validation.LoaderOptions{})
	if err != nil {
		return err
	}
	bundle, _, err := loader.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	wf, err := pickWorkflow(bundle.Workflows, *entityType, *workflowID)
	if err != nil {
		return err
	}
	model, err := diagram.Build(wf, nil, nil)
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case diagram.FormatPNG, diagram.FormatSVG:
		if *format == diagram.FormatPNG && *output == "" {
			return fmt.Errorf("png output requires -o")
		}
		if data, err = diagram.RenderImage(context.Background(), model, *format); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	if *output == "" {
		_, err = out.Write(data)
		return err
	}
	return os.WriteFile(*output, data, 0o644)
}

func pickWorkflow(wfs []schema.Workflow, entityType, id string) (*schema.Workflow, error) {
	if id != "" {
		for i := range wfs {
			if wfs[i].ID == id || wfs[i].Name == id {
				return &wfs[i], nil
			}
		}
		return nil, fmt.Errorf("workflow %q not found in bundle", id)
	}
	if entityType == "" {
		if len(wfs) != 1 {
			return nil, fmt.Errorf("bundle has %d workflows; pass -entity-type or -workflow", len(wfs))
		}
		return &wfs[0], nil
	}
	for i := range wfs {
		if wfs[i].EntityType == entityType && wfs[i].IsActive {
			return &wfs[i], nil
		}
	}
	return nil, fmt.Errorf("no active workflow for entity type %q", entityType)
}

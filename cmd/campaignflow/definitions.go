package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check workflow definition files without storing them",
		ArgsUsage: "<file>...",
		Action: func(ctx context.Context, command *cli.Command) error {
			files := command.Args().Slice()
			if len(files) == 0 {
				return fmt.Errorf("at least one definition file is required")
			}
			failed := 0
			for _, f := range files {
				if _, err := loadDefinitionFile(f); err != nil {
					failed++
					_, _ = fmt.Fprintf(command.Root().Writer, "INVALID %s\n%s\n", f, indent(err.Error()))
					continue
				}
				_, _ = fmt.Fprintf(command.Root().Writer, "OK      %s\n", f)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(files))
			}
			return nil
		},
	}
}

func newImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Create or update workflow definitions from files",
		ArgsUsage: "<file>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "activate",
				Usage: "Activate definitions after storing them",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			files := command.Args().Slice()
			if len(files) == 0 {
				return fmt.Errorf("at least one definition file is required")
			}
			settings, err := config.Load()
			if err != nil {
				return err
			}
			db, err := campaignflow.OpenDatabase(settings)
			if err != nil {
				return err
			}
			defer db.Close()
			dialect, err := repository.NewDialect(settings.DatabaseType)
			if err != nil {
				return err
			}
			definitions := repository.NewWorkflowDefinitionRepository(db, dialect)
			svc := engine.NewDefinitionService(definitions, repository.NewEnrollmentRepository(db, dialect),
				engine.NewStatsAggregator(definitions), core.NewRealClock())

			for _, f := range files {
				def, err := loadDefinitionFile(f)
				if err != nil {
					return fmt.Errorf("%s: %w", f, err)
				}
				stored, err := importDefinition(ctx, svc, def, command.Bool("activate"))
				if err != nil {
					return fmt.Errorf("%s: %w", f, err)
				}
				slog.Info("Imported workflow definition", "file", f, "definition_id", stored.ID, "status", stored.Status)
				_, _ = fmt.Fprintf(command.Root().Writer, "%s %s %s\n", stored.ID, stored.Status, stored.Name)
			}
			return nil
		},
	}
}

type definitionStore interface {
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	Create(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	Update(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	SetStatus(ctx context.Context, id string, to domain.DefinitionStatus) (*domain.WorkflowDefinition, error)
}

// importDefinition updates the stored definition with the same id, or
// creates a new one.
func importDefinition(ctx context.Context, svc definitionStore, def *domain.WorkflowDefinition, activate bool) (*domain.WorkflowDefinition, error) {
	var stored *domain.WorkflowDefinition
	var err error
	existing, getErr := lookup(ctx, svc, def.ID)
	switch {
	case getErr != nil:
		return nil, getErr
	case existing == nil:
		stored, err = svc.Create(ctx, def)
	default:
		stored, err = svc.Update(ctx, def.ID, def)
	}
	if err != nil {
		return nil, err
	}
	if activate && stored.Status != domain.DefinitionActive {
		return svc.SetStatus(ctx, stored.ID, domain.DefinitionActive)
	}
	return stored, nil
}

func lookup(ctx context.Context, svc definitionStore, id string) (*domain.WorkflowDefinition, error) {
	if id == "" {
		return nil, nil
	}
	def, err := svc.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return def, err
}

func loadDefinitionFile(path string) (*domain.WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return parseDefinition(raw, strings.ToLower(filepath.Ext(path)))
}

// parseDefinition accepts JSON or YAML, checks it against the definition
// schema and then the step graph rules.
func parseDefinition(raw []byte, ext string) (*domain.WorkflowDefinition, error) {
	if ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		raw = converted
	}
	if err := engine.DefinitionSchema.Validate(raw); err != nil {
		return nil, err
	}
	var def domain.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := engine.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

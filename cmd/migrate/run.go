package main

import (
	"context"
	"time"

	"trustwork/services/bootstrap"
	"trustwork/services/engine"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var timeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "up",
	Short: "Migrate the schema and ensure the bootstrap admin principal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBootstrap(cmd.Context(), func(ctx context.Context, b *bootstrap.Service) error {
			return b.Migrate(ctx)
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load reference data",
}

var seedQuestionsCmd = &cobra.Command{
	Use:   "questions <file>",
	Short: "Import skill-test templates and question banks from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBootstrap(cmd.Context(), func(ctx context.Context, b *bootstrap.Service) error {
			if err := b.Migrate(ctx); err != nil {
				return err
			}
			n, err := b.SeedQuestions(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("imported %d questions from %s\n", n, args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the command")
	seedCmd.AddCommand(seedQuestionsCmd)
}

// withBootstrap starts the migration graph, runs fn and stops the graph again.
func withBootstrap(parent context.Context, fn func(ctx context.Context, b *bootstrap.Service) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var svc *bootstrap.Service
	app := fx.New(engine.Migrate, fx.Populate(&svc))
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(context.Background()) }()

	return fn(ctx, svc)
}

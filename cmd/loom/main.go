// Package main provides the Loom CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomdb/loom/pkg/config"
	"github.com/loomdb/loom/pkg/loom"
	"github.com/loomdb/loom/pkg/schema"
	"github.com/loomdb/loom/pkg/search"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		schemaPath string
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - schema-first graph-relational storage engine",
		Long: `Loom stores typed entities and their relationships from a compact
schema, resolves references exactly or by ranked semantic search, and
generates missing content through pluggable providers.

Features:
  • Compact schema DSL with four relationship operators
  • Memory, Badger and SQLite storage backends
  • Hybrid keyword + semantic search with RRF ranking
  • Two-phase content generation (draft, then resolve)
  • Deferred query pipeline with batched hydration`,
	}
	rootCmd.PersistentFlags().StringVarP(&schemaPath, "schema", "s", "loom.schema.yaml", "Schema definition file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Loom v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a schema file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(schemaPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show entity counts per type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(schemaPath, configPath, func(ctx context.Context, db *loom.DB) error {
				return runStats(ctx, db)
			})
		},
	})

	searchCmd := &cobra.Command{
		Use:   "search <type> <query>",
		Short: "Hybrid search over one entity type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			minScore, _ := cmd.Flags().GetFloat64("min-score")
			return withDB(schemaPath, configPath, func(ctx context.Context, db *loom.DB) error {
				return runSearch(ctx, db, args[0], args[1], limit, minScore)
			})
		},
	}
	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().Float64("min-score", 0, "Minimum similarity score")
	rootCmd.AddCommand(searchCmd)

	createCmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create an entity from JSON fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fieldsJSON, _ := cmd.Flags().GetString("fields")
			return withDB(schemaPath, configPath, func(ctx context.Context, db *loom.DB) error {
				return runCreate(ctx, db, args[0], fieldsJSON)
			})
		},
	}
	createCmd.Flags().String("fields", "{}", "Entity fields as a JSON object")
	rootCmd.AddCommand(createCmd)

	getCmd := &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Fetch one entity by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(schemaPath, configPath, func(ctx context.Context, db *loom.DB) error {
				return runGet(ctx, db, args[0], args[1])
			})
		},
	}
	rootCmd.AddCommand(getCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadSchemaDef reads a schema definition file. YAML is a superset of
// JSON, so one decoder covers both.
func loadSchemaDef(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var def map[string]any
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return def, nil
}

func withDB(schemaPath, configPath string, fn func(context.Context, *loom.DB) error) error {
	def, err := loadSchemaDef(schemaPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := loom.Open(def, &loom.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), db)
}

func runValidate(schemaPath string) error {
	def, err := loadSchemaDef(schemaPath)
	if err != nil {
		return err
	}
	s, err := schema.Parse(def)
	if err != nil {
		return err
	}

	fmt.Printf("Schema OK: %d entities\n", len(s.Names()))
	for _, name := range s.Names() {
		entity := s.Entity(name)
		relations := entity.Relations()
		fmt.Printf("  %-20s %d fields, %d relationships\n", name, len(entity.Fields), len(relations))
		for _, f := range relations {
			target := f.RelatedType
			if len(f.UnionTypes) > 0 {
				target = ""
				for i, t := range f.UnionTypes {
					if i > 0 {
						target += "|"
					}
					target += t
				}
			}
			fmt.Printf("    %s %s %s\n", f.Name, f.Kind, target)
		}
	}
	return nil
}

func runStats(ctx context.Context, db *loom.DB) error {
	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}
	types := make([]string, 0, len(stats.Entities))
	for typ := range stats.Entities {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		fmt.Printf("%-20s %d\n", typ, stats.Entities[typ])
	}
	fmt.Printf("%-20s %d\n", "total", stats.Total)
	return nil
}

func runSearch(ctx context.Context, db *loom.DB, typ, text string, limit int, minScore float64) error {
	results, err := db.Search(ctx, typ, text, &search.Params{
		Limit:    limit,
		MinScore: minScore,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%2d. %s/%s  score=%.4f sim=%.3f\n", i+1, r.Type, r.Thing.ID, r.RRFScore, r.Similarity)
	}
	return nil
}

func runCreate(ctx context.Context, db *loom.DB, typ, fieldsJSON string) error {
	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return fmt.Errorf("parse --fields: %w", err)
	}
	thing, err := db.Create(ctx, typ, fields)
	if err != nil {
		return err
	}
	return printJSON(thing)
}

func runGet(ctx context.Context, db *loom.DB, typ, id string) error {
	thing, err := db.Get(ctx, typ, id)
	if err != nil {
		return err
	}
	if thing == nil {
		return fmt.Errorf("%s/%s not found", typ, id)
	}
	return printJSON(thing)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

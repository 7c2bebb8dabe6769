package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinval/clinval/internal/config"
	"github.com/clinval/clinval/internal/logging"
	"github.com/clinval/clinval/internal/tracing"
	"github.com/clinval/clinval/pkg/api"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/pipeline"
	"github.com/clinval/clinval/pkg/schemaindex"
	"github.com/clinval/clinval/pkg/terminology"
)

var version = "dev"

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute() error {
	rootCmd := newRootCmd()
	return rootCmd.Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clinval",
		Short: "clinval - FHIR validation engine",
		Long: `clinval validates FHIR Bundles against StructureDefinitions, project
rules, and terminology bindings, and reports the result as a flat list
of findings.

For more information, see DESIGN.md in the project root.`,
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("clinval version %s\n", version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [bundle-file]",
		Short: "Validate a FHIR Bundle",
		Long:  `Validate a FHIR Bundle against its StructureDefinitions, project rules, and terminology bindings.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			schemaDir, _ := cmd.Flags().GetString("schemas")
			fhirVersion, _ := cmd.Flags().GetString("version")
			rulesPath, _ := cmd.Flags().GetString("rules")
			terminologyPath, _ := cmd.Flags().GetString("terminology")
			mode, _ := cmd.Flags().GetString("mode")
			projectID, _ := cmd.Flags().GetString("project")
			outputFormat, _ := cmd.Flags().GetString("output")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if schemaDir == "" {
				schemaDir = cfg.SchemaDir
			}
			if projectID == "" {
				projectID = cfg.DefaultProjectID
			}

			log := logging.New(cfg.LogLevel)
			defer log.Sync()

			bundleData, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read bundle file %s: %w", args[0], err)
			}

			idx := schemaindex.NewIndex(schemaindex.FHIRVersion(fhirVersion))
			if schemaDir != "" {
				if _, err := idx.LoadFromDirectory(schemaDir); err != nil {
					return fmt.Errorf("failed to load StructureDefinitions from %s: %w", schemaDir, err)
				}
			}
			idx.Freeze()

			store := terminology.NewStore()
			if terminologyPath != "" {
				data, err := os.ReadFile(terminologyPath)
				if err != nil {
					return fmt.Errorf("failed to read terminology bundle %s: %w", terminologyPath, err)
				}
				if err := store.LoadBundle(data); err != nil {
					return fmt.Errorf("failed to load terminology bundle: %w", err)
				}
			}

			var rulesData []byte
			if rulesPath != "" {
				rulesData, err = os.ReadFile(rulesPath)
				if err != nil {
					return fmt.Errorf("failed to read rules file %s: %w", rulesPath, err)
				}
			}

			p := &pipeline.Pipeline{
				Index:       idx,
				Terminology: store,
				OnPhaseError: func(phase string, err error) {
					log.Warnw("validation phase error", "phase", phase, "error", err)
				},
			}

			resp, err := p.Run(cmd.Context(), pipeline.Request{
				BundleJSON:  bundleData,
				RulesJSON:   rulesData,
				FHIRVersion: schemaindex.FHIRVersion(fhirVersion),
				ProjectID:   projectID,
				Mode:        pipeline.NormalizeMode(mode),
			})
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			switch outputFormat {
			case "json":
				return outputJSON(resp)
			default:
				return outputText(resp)
			}
		},
	}

	cmd.Flags().String("config", "", "Path to a clinval config file (YAML)")
	cmd.Flags().StringP("version", "v", "R4", "FHIR version (R4, R4B, R5)")
	cmd.Flags().String("schemas", "", "Directory of StructureDefinition JSON files")
	cmd.Flags().String("rules", "", "Path to a project rules JSON file")
	cmd.Flags().String("terminology", "", "Path to a terminology Bundle JSON file")
	cmd.Flags().String("mode", "standard", "Validation mode (standard, full)")
	cmd.Flags().String("project", "", "Project identifier stamped on findings")
	cmd.Flags().StringP("output", "o", "text", "Output format (text, json)")

	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the validation API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" {
				addr = cfg.ListenAddr
			}

			log := logging.New(cfg.LogLevel)
			defer log.Sync()

			shutdownTracing, err := tracing.Setup("clinval-api")
			if err != nil {
				return fmt.Errorf("failed to set up tracing: %w", err)
			}
			defer shutdownTracing(cmd.Context())

			idx := schemaindex.NewIndex(schemaindex.FHIRVersion(cfg.FHIRVersion))
			if cfg.SchemaDir != "" {
				if _, err := idx.LoadFromDirectory(cfg.SchemaDir); err != nil {
					return fmt.Errorf("failed to load StructureDefinitions from %s: %w", cfg.SchemaDir, err)
				}
			}
			idx.Freeze()

			store := terminology.NewStore()

			srv := api.New(api.Config{
				Index:       idx,
				Terminology: store,
				Logger:      log,
				ProjectID:   cfg.DefaultProjectID,
			})

			server := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			log.Infow("starting clinval API server", "addr", addr)
			return server.ListenAndServe()
		},
	}

	cmd.Flags().String("config", "", "Path to a clinval config file (YAML)")
	cmd.Flags().String("addr", "", "Listen address (overrides config)")

	return cmd
}

func outputText(resp pipeline.Response) error {
	if len(resp.Errors) == 0 {
		fmt.Println("No findings.")
		return nil
	}
	for _, f := range resp.Errors {
		fmt.Printf("[%s] %-8s %-28s %s (%s)\n", f.Source, f.Severity, f.ErrorCode, f.Pointer, f.Path)
	}
	fmt.Printf("\n%d error(s), %d warning(s), %d information\n",
		resp.Summary.ErrorCount, resp.Summary.WarningCount, resp.Summary.InfoCount)
	return nil
}

func outputJSON(resp pipeline.Response) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Errors      []finding.Finding `json:"errors"`
		Summary     finding.Summary   `json:"summary"`
		RulesVer    string            `json:"rulesVersion,omitempty"`
		ProcessedMs int64             `json:"processingTimeMs"`
	}{resp.Errors, resp.Summary, resp.RulesVersion, resp.ProcessingTimeMs})
}

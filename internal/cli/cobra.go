package cli

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"starstack/internal/config"
	"starstack/internal/diag"
	"starstack/internal/pipeline"
	"starstack/internal/storage"
	"starstack/internal/tasks"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X starstack/internal/cli.Version=...".
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, hub *diag.Hub, codecs tasks.Codecs) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, hub, codecs))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "starstack",
		Short: "starstack registers and stacks astronomical frames",
		Long: `starstack detects stars, registers frames against a reference with a
projective transform, and integrates them with pixel rejection or drizzle.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newDetectCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newDetectCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "detect <image|directory>",
		Short: "Detect stars and write their PSF fits as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobDetect,
				InputPath: args[0],
				Output:    output,
				Options:   map[string]any{"source": "cli"},
			}
			return root.run(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the star list to this JSON file")
	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var reference string

	cmd := &cobra.Command{
		Use:   "register <directory>",
		Short: "Register frames against a reference and record their homographies",
		Long: `Register every frame in a directory against the reference frame. Each
registered frame gets a .homography file when registration.write_homography is set;
dropped frames and their reasons are recorded in the run database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobRegister,
				InputPath: args[0],
				Options: map[string]any{
					"reference": reference,
					"source":    "cli",
				},
			}
			return root.run(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVar(&reference, "reference", root.cfg.Registration.Reference, "reference frame (default: first frame)")
	return cmd
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		output        string
		reference     string
		drizzle       bool
		normalization string
		rejection     string
		reduction     string
		weightMaps    bool
		weightDir     string
	)

	cmd := &cobra.Command{
		Use:   "stack <directory>",
		Short: "Register and integrate frames into one image",
		Long: `Register every frame in a directory, then integrate the registered frames
with the configured normalization, rejection and reduction, or drizzle them onto a
finer grid with --drizzle.

Examples:
  starstack stack /astro/lights -o m31.tif --rejection winsorized-sigma-clip
  starstack stack /astro/lights --drizzle`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			in := &root.cfg.Integration
			if cmd.Flags().Changed("normalization") {
				in.Normalization = normalization
			}
			if cmd.Flags().Changed("rejection") {
				in.Rejection = rejection
			}
			if cmd.Flags().Changed("reduction") {
				in.Reduction = reduction
			}
			if cmd.Flags().Changed("weight-maps") {
				in.WeightMaps = weightMaps
			}
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			if output == "" {
				suffix := "_stack"
				if drizzle {
					suffix = "_drizzle"
				}
				output = root.defaultOutput(input, suffix, strings.TrimPrefix(root.cfg.Output.Format, "."))
			}

			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobStack,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"reference": reference,
					"drizzle":   drizzle,
					"weightDir": weightDir,
					"source":    "cli",
				},
			}
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output image (default: <output dir>/<input>_stack.<format>)")
	cmd.Flags().StringVar(&reference, "reference", root.cfg.Registration.Reference, "reference frame (default: first frame)")
	cmd.Flags().BoolVar(&drizzle, "drizzle", root.cfg.Drizzle.Enabled, "drizzle instead of integrating")
	cmd.Flags().StringVar(&normalization, "normalization", root.cfg.Integration.Normalization, "normalization (none|additive|multiplicative|additive-scaling|multiplicative-scaling)")
	cmd.Flags().StringVar(&rejection, "rejection", root.cfg.Integration.Rejection, "pixel rejection (none|sigma-clip|winsorized-sigma-clip|percentile-clip)")
	cmd.Flags().StringVar(&reduction, "reduction", root.cfg.Integration.Reduction, "reduction (mean|median|min|max)")
	cmd.Flags().BoolVar(&weightMaps, "weight-maps", root.cfg.Integration.WeightMaps, "write per-frame rejection weight maps")
	cmd.Flags().StringVar(&weightDir, "weight-dir", "", "directory for weight maps (default: next to the output)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		reference string
		settle    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Register frames as they are written to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting live registration", "dir", args[0], "reference", reference, "settle", settle)
			return root.watchFn(cmd.Context(), args[0], reference, settle)
		},
	}
	cmd.Flags().StringVar(&reference, "reference", root.cfg.Registration.Reference, "reference frame (default: first frame already in the directory)")
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "how long a file must stay unchanged before it is read")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	addrs := root.cfg.Server

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, job submission and live diagnostics",
		Long: `Start an HTTP server with run history (/runs, /runs/{id}/frames), job
submission (POST /runs), a websocket diagnostics stream (/ws) and a gRPC
diagnostics stream.

Examples:
  starstack serve --addr :8080 --grpc-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addrs.Addr, "grpc_addr", addrs.GRPCAddr)
			return root.serveFn(cmd.Context(), addrs, root.store, root.pipeline, root.hub, root.log)
		},
	}
	cmd.Flags().StringVar(&addrs.Addr, "addr", addrs.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&addrs.GRPCAddr, "grpc-addr", addrs.GRPCAddr, "gRPC listen address, empty disables gRPC")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "starstack %s\n", Version)
		},
	}
}

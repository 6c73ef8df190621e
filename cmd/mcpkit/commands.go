package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mcpkit/internal/app"
	"mcpkit/internal/domain"
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	transport := string(domain.TransportStdio)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind := domain.TransportKind(strings.ToLower(strings.TrimSpace(transport)))
			if kind != domain.TransportStdio && kind != domain.TransportHTTP {
				return exitError{code: 2, message: fmt.Sprintf("--transport must be stdio or http, got %q", transport)}
			}
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return app.New(opts.logger).Serve(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				Transport:  kind,
			})
		},
	}
	cmd.Flags().StringVar(&transport, "transport", transport, "transport: stdio or http")
	return cmd
}

func newValidateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and service declarations without serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.New(opts.logger).ValidateConfig(cmd.Context(), app.ValidateConfig{ConfigPath: opts.configPath}); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return err
		},
	}
}

func newRoutesCmd(opts *cliOptions) *cobra.Command {
	jsonOutput := false
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the capabilities the configuration exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			routes, err := app.New(opts.logger).Routes(cmd.Context(), app.ValidateConfig{ConfigPath: opts.configPath})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), routes)
			}
			return printRoutes(cmd.OutOrStdout(), routes)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mcpkit %s (%s)\n", app.Version, app.Build)
			return err
		},
	}
}

func writeJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printRoutes(w io.Writer, routes []app.RouteSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tHANDLER\tAUTH")
	for _, route := range routes {
		auth := "public"
		if route.Provider != "" {
			auth = route.Provider
			if len(route.Scopes) > 0 {
				auth += " [" + strings.Join(route.Scopes, " ") + "]"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s.%s\t%s\n", route.Kind, route.Name, route.Service, route.Method, auth)
	}
	return tw.Flush()
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/service"
)

func newModelsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List LiteLLM models and flag reviewer models the proxy lacks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := g.load(cmd, config.Overrides{})
			if err != nil {
				return err
			}
			defer flush()

			reg := service.NewModelRegistry(newLLMClient(cfg, nil), nil, requiredModels(cfg), 0)
			if err := reg.Refresh(cmd.Context()); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "MODEL\tPROVIDER")
			for _, m := range reg.Models() {
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", m.ModelName, m.Provider)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			missing := reg.Missing()
			for _, name := range missing {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "missing reviewer model: %s\n", name)
			}
			if len(missing) > 0 {
				return fmt.Errorf("%d reviewer model(s) not configured in LiteLLM", len(missing))
			}
			return nil
		},
	}
}

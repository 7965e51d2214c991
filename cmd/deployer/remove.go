package main

import (
	"errors"

	"github.com/krystofrezac/deployer/internal/docker"
	"github.com/spf13/cobra"
)

// NewCmdRemove tears down the instance. Deploy never does this on its own, even
// after a failed health check.
func NewCmdRemove() *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Stop and remove the deployed container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			eng, err := newEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			p := newPrinter(cmd.OutOrStdout(), noColor)
			err = eng.RemoveContainer(cmd.Context(), cfg.Container.Name)
			if errors.Is(err, docker.ErrContainerNotFound) {
				p.Warning("No instance named %s", cfg.Container.Name)
				return nil
			}
			if err != nil {
				return err
			}

			p.Success("Removed %s", cfg.Container.Name)
			return nil
		},
	}
}

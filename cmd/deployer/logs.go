package main

import (
	"errors"
	"fmt"

	"github.com/krystofrezac/deployer/internal/docker"
	"github.com/spf13/cobra"
)

func NewCmdLogs() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Print the output of the deployed container",
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

			err = eng.Logs(cmd.Context(), cfg.Container.Name, cmd.OutOrStdout())
			if errors.Is(err, docker.ErrContainerNotFound) {
				return fmt.Errorf("no instance named %s", cfg.Container.Name)
			}
			return err
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/dispatch"
	"github.com/mattjoyce/forkpool/internal/doctor"
	"github.com/mattjoyce/forkpool/internal/log"
)

func newDoctorCmd() *cobra.Command {
	var jsonOut, noSpawn bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and spawn a test worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			log.SetupWriter("error", cfg.Log.Format, cmd.ErrOrStderr())

			var spawner dispatch.Spawner
			if !noSpawn {
				s, err := workerSpawner(cfg, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				spawner = s
			}

			result := doctor.New(cfg, spawner).Validate(cmd.Context())
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return &exitError{code: 1, err: fmt.Errorf("configuration invalid")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().BoolVar(&noSpawn, "no-spawn", false, "skip the worker spawn check")
	return cmd
}

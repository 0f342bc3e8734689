package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"doctranslate/internal/keyparse"
)

func newKeyCommand() *cobra.Command {
	keyCmd := &cobra.Command{
		Use:         "key",
		Short:       "Object key utilities",
		Annotations: map[string]string{"skipConfigLoad": "true"},
	}

	var asJSON bool
	parseCmd := &cobra.Command{
		Use:   "parse <key>",
		Short: "Decode an object key into its job metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyparse.Parse(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, key)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderKeyValues([][2]string{
				{"Scope", key.Scope},
				{"Identity", key.Identity},
				{"Job", key.JobID},
				{"Stage", key.Stage},
				{"File", key.FileName},
				{"Job folder", key.JobFolder},
				{"Language", key.Language},
				{"Item", key.ItemID},
				{"Details", yesNo(key.Details)},
				{"Terminal", yesNo(key.Terminal)},
			}))
			return nil
		},
	}
	parseCmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	keyCmd.AddCommand(parseCmd)
	return keyCmd
}

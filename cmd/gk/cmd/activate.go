package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var activateCmd = &cobra.Command{
	Use:   "activate <base_url>",
	Short: "Activate a gatekeeper instance by its base URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := args[0]

		var reg Instances
		if err := loadState(instancesFile, &reg); err != nil {
			return err
		}

		found := false
		changed := false
		for i := range reg.Instances {
			if reg.Instances[i].BaseURL == baseURL {
				found = true
				if !reg.Instances[i].Active {
					reg.Instances[i].Active = true
					changed = true
				}
			} else if reg.Instances[i].Active {
				reg.Instances[i].Active = false
				changed = true
			}
		}
		if !found {
			return fmt.Errorf("instance not found: %s", baseURL)
		}

		if changed {
			if err := saveState(instancesFile, &reg); err != nil {
				return err
			}
			fmt.Println(okFmt("Activated instance:"), baseURL)
		} else {
			fmt.Println(dimFmt("Instance already active:"), baseURL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(activateCmd)
}

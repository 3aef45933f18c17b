package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listActiveOnly bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List gatekeeper instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reg Instances
		if err := loadState(instancesFile, &reg); err != nil {
			return err
		}
		if len(reg.Instances) == 0 {
			fmt.Println(warnFmt("No instances registered."))
			return nil
		}

		for _, inst := range reg.Instances {
			if listActiveOnly && !inst.Active {
				continue
			}
			marker := " "
			if inst.Active {
				marker = okFmt("*")
			}
			fmt.Printf("%s %s %s\n", marker, inst.BaseURL,
				dimFmt(fmt.Sprintf("(client_id=%s proxy=%s)", inst.ClientID, inst.ProxyPath)))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listActiveOnly, "active", "a", false, "List only the active instance")
	rootCmd.AddCommand(listCmd)
}

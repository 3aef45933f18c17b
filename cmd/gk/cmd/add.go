package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	addAPIKeyHeader   string
	addClientIDHeader string
	addClientID       string
	addProxyPath      string
)

var addCmd = &cobra.Command{
	Use:   "add <base_url>",
	Short: "Register a gatekeeper instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")

		var reg Instances
		if err := loadState(instancesFile, &reg); err != nil {
			return err
		}
		for _, inst := range reg.Instances {
			if inst.BaseURL == baseURL {
				return fmt.Errorf("instance already registered: %s", baseURL)
			}
		}

		inst := Instance{
			BaseURL:        baseURL,
			ProxyPath:      addProxyPath,
			APIKeyHeader:   addAPIKeyHeader,
			ClientIDHeader: addClientIDHeader,
			ClientID:       addClientID,
			// First instance becomes active automatically.
			Active: len(reg.Instances) == 0,
		}
		reg.Instances = append(reg.Instances, inst)
		if err := saveState(instancesFile, &reg); err != nil {
			return err
		}

		fmt.Println(okFmt("Registered instance:"), baseURL)
		if inst.Active {
			fmt.Println(dimFmt("(set as active instance)"))
		}
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addProxyPath, "proxy-path", "/proxy", "Proxy path prefix of the instance")
	addCmd.Flags().StringVar(&addAPIKeyHeader, "api-key-header", "x-api-key", "API key header name")
	addCmd.Flags().StringVar(&addClientIDHeader, "client-id-header", "x-requestor-id", "Client ID header name")
	addCmd.Flags().StringVar(&addClientID, "client-id", "", "Client id to authenticate as")
	rootCmd.AddCommand(addCmd)
}

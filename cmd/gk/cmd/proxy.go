package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	proxyInstance string
	proxyBody     string
)

var proxyCmd = &cobra.Command{
	Use:   "proxy <METHOD> <path>",
	Short: "Make an authenticated request through a gatekeeper instance",
	Long: `Sends a request through the instance's proxy path with the client id
and API key headers set. The path is relative to the proxy prefix, e.g.
"gk proxy GET /home-api/health". A fresh API key is fetched automatically
when the cached one has expired. --body takes a JSON string or @file.json.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := strings.ToUpper(args[0])
		switch method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		default:
			return fmt.Errorf("unsupported method %q", args[0])
		}

		inst, err := resolveInstance(proxyInstance)
		if err != nil {
			return err
		}
		apiKey, _, err := ensureAPIKey(inst)
		if err != nil {
			return err
		}

		var body io.Reader
		if proxyBody != "" {
			payload := proxyBody
			if strings.HasPrefix(payload, "@") {
				raw, err := os.ReadFile(payload[1:])
				if err != nil {
					return err
				}
				payload = string(raw)
			}
			body = strings.NewReader(payload)
		}

		path := args[1]
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		url := inst.BaseURL + inst.ProxyPath + path

		req, err := http.NewRequest(method, url, body)
		if err != nil {
			return err
		}
		req.Header.Set(inst.ClientIDHeader, inst.ClientID)
		req.Header.Set(inst.APIKeyHeader, apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			fmt.Fprintln(os.Stderr, errFmt(resp.Status))
		} else {
			fmt.Fprintln(os.Stderr, okFmt(resp.Status))
		}
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}

func init() {
	proxyCmd.Flags().StringVarP(&proxyInstance, "instance", "i", "",
		"Base URL of the instance (defaults to the active one)")
	proxyCmd.Flags().StringVar(&proxyBody, "body", "", "JSON body or @file.json")
	rootCmd.AddCommand(proxyCmd)
}

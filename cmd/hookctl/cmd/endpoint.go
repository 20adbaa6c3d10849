package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	epWorkspaceID int64
	epURL         string
	epEvents      string
	epDescription string
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
}

var endpointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new webhook endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if epWorkspaceID == 0 || epURL == "" || epEvents == "" {
			return fmt.Errorf("--workspace, --url, and --events are required")
		}
		out, err := request(http.MethodPost, "/v1/endpoints", map[string]any{
			"workspace_id": epWorkspaceID,
			"url":          epURL,
			"events":       strings.Split(epEvents, ","),
			"description":  epDescription,
		})
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoints for a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		if epWorkspaceID == 0 {
			return fmt.Errorf("--workspace is required")
		}
		out, err := request(http.MethodGet, fmt.Sprintf("/v1/endpoints?workspace_id=%d", epWorkspaceID), nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var endpointGetCmd = &cobra.Command{
	Use:   "get <endpoint-id>",
	Short: "Show one endpoint including health state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := request(http.MethodGet, "/v1/endpoints/"+args[0], nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var endpointEnableCmd = &cobra.Command{
	Use:   "enable <endpoint-id>",
	Short: "Re-enable a disabled endpoint and reset its failure count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := request(http.MethodPost, "/v1/endpoints/"+args[0]+"/enable", nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var endpointDisableCmd = &cobra.Command{
	Use:   "disable <endpoint-id>",
	Short: "Disable an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := request(http.MethodPost, "/v1/endpoints/"+args[0]+"/disable", nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var endpointRotateCmd = &cobra.Command{
	Use:   "rotate-secret <endpoint-id>",
	Short: "Rotate an endpoint's signing secret (printed once)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := request(http.MethodPost, "/v1/endpoints/"+args[0]+"/rotate-secret", nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var endpointDeleteCmd = &cobra.Command{
	Use:   "delete <endpoint-id>",
	Short: "Soft-delete an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := request(http.MethodDelete, "/v1/endpoints/"+args[0], nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

func init() {
	endpointCmd.PersistentFlags().Int64Var(&epWorkspaceID, "workspace", 0, "workspace ID")
	endpointCreateCmd.Flags().StringVar(&epURL, "url", "", "receiver URL")
	endpointCreateCmd.Flags().StringVar(&epEvents, "events", "", "comma-separated event types, or * for all")
	endpointCreateCmd.Flags().StringVar(&epDescription, "description", "", "endpoint description")

	endpointCmd.AddCommand(endpointCreateCmd)
	endpointCmd.AddCommand(endpointListCmd)
	endpointCmd.AddCommand(endpointGetCmd)
	endpointCmd.AddCommand(endpointEnableCmd)
	endpointCmd.AddCommand(endpointDisableCmd)
	endpointCmd.AddCommand(endpointRotateCmd)
	endpointCmd.AddCommand(endpointDeleteCmd)
	rootCmd.AddCommand(endpointCmd)
}

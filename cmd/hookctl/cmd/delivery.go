package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	dlEndpointID string
	dlStatus     string
	dlLimit      int
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and retry deliveries",
}

var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if dlEndpointID != "" {
			q.Set("endpoint_id", dlEndpointID)
		}
		if dlStatus != "" {
			q.Set("status", dlStatus)
		}
		if dlLimit > 0 {
			q.Set("limit", fmt.Sprintf("%d", dlLimit))
		}
		path := "/v1/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		out, err := request(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get <delivery-id>",
	Short: "Show one delivery including response history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := request(http.MethodGet, "/v1/deliveries/"+args[0], nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

var deliveryRetryCmd = &cobra.Command{
	Use:   "retry <delivery-id>",
	Short: "Requeue a failed delivery for one more attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := request(http.MethodPost, "/v1/deliveries/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

func init() {
	deliveryListCmd.Flags().StringVar(&dlEndpointID, "endpoint", "", "filter by endpoint ID")
	deliveryListCmd.Flags().StringVar(&dlStatus, "status", "", "filter by status (pending, inflight, retrying, success, failed)")
	deliveryListCmd.Flags().IntVar(&dlLimit, "limit", 0, "maximum rows to return")

	deliveryCmd.AddCommand(deliveryListCmd)
	deliveryCmd.AddCommand(deliveryGetCmd)
	deliveryCmd.AddCommand(deliveryRetryCmd)
	rootCmd.AddCommand(deliveryCmd)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	evWorkspaceID int64
	evType        string
	evData        string
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events",
}

var eventPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an event to all subscribed endpoints of a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		if evWorkspaceID == 0 || evType == "" {
			return fmt.Errorf("--workspace and --type are required")
		}
		data := map[string]any{}
		if evData != "" {
			if err := json.Unmarshal([]byte(evData), &data); err != nil {
				return fmt.Errorf("invalid --data JSON: %w", err)
			}
		}
		out, err := request(http.MethodPost, "/v1/events", map[string]any{
			"workspace_id": evWorkspaceID,
			"type":         evType,
			"data":         data,
		})
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

func init() {
	eventPublishCmd.Flags().Int64Var(&evWorkspaceID, "workspace", 0, "workspace ID")
	eventPublishCmd.Flags().StringVar(&evType, "type", "", "event type, e.g. workspace.created")
	eventPublishCmd.Flags().StringVar(&evData, "data", "", "event payload as a JSON object")

	eventCmd.AddCommand(eventPublishCmd)
	rootCmd.AddCommand(eventCmd)
}

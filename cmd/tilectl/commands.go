package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <request.json>",
	Short: "Queue an image request (use - to read stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readRequest(cmd, args[0])
		if err != nil {
			return err
		}
		if jobID, _ := cmd.Flags().GetString("job-id"); jobID != "" {
			var req map[string]any
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			req["job_id"] = jobID
			if body, err = json.Marshal(req); err != nil {
				return err
			}
		}

		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/v1/images", body)
		if err != nil {
			return err
		}
		var out json.RawMessage
		if err := decodeData(resp, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <image-id>",
	Short: "Show the job record for an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/api/v1/images/"+url.PathEscape(args[0]))
	},
}

var regionsCmd = &cobra.Command{
	Use:   "regions <image-id>",
	Short: "List the region records of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/api/v1/images/"+url.PathEscape(args[0])+"/regions")
	},
}

var tilesCmd = &cobra.Command{
	Use:   "tiles <image-id> <region-id>",
	Short: "List the tile records of a region",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/api/v1/images/"+url.PathEscape(args[0])+
			"/regions/"+url.PathEscape(args[1])+"/tiles")
	},
}

func init() {
	submitCmd.Flags().String("job-id", "", "job ID to use instead of a generated one")
}

func readRequest(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	body, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	return body, nil
}

func getAndPrint(cmd *cobra.Command, path string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var out json.RawMessage
	if err := decodeData(resp, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

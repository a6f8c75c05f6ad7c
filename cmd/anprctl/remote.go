package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/langchou/anprgazer/internal/models"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server and detector status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body map[string]interface{}
		resp, err := newAPI().R().SetContext(cmd.Context()).SetResult(&body).Get("/health")
		if err := checkResponse(resp, err); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(body)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		for _, key := range []string{"status", "monitoring_active", "is_processing", "file_exists", "file_path", "ws_clients", "timestamp"} {
			fmt.Fprintf(w, "%s\t%v\n", key, body[key])
		}
		if last, ok := body["last_process"].(map[string]interface{}); ok {
			fmt.Fprintf(w, "last_process\t%v (%v)\n", last["message"], last["source"])
		}
		return w.Flush()
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Trigger a processing run",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body map[string]interface{}
		resp, err := newAPI().R().SetContext(cmd.Context()).SetResult(&body).Post("/process")
		if err := checkResponse(resp, err); err != nil {
			return err
		}
		fmt.Println(body["message"])
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [plates...]",
	Short: "Query registry data for plates (recent plates when none given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Success  bool                        `json:"success"`
			Plates   []string                    `json:"plates"`
			Vehicles []models.VehicleQueryResult `json:"vehicles"`
			Error    string                      `json:"error"`
			Step     string                      `json:"step"`
		}
		if queryDirectFlag {
			result, err := queryDirect(cmd, args)
			if err != nil {
				return err
			}
			body.Success, body.Plates, body.Vehicles = true, result.Plates, result.Results
			if jsonOutput {
				return printJSON(body)
			}
			return printVehicles(body.Vehicles)
		}

		resp, err := newAPI().R().
			SetContext(cmd.Context()).
			SetBody(map[string]interface{}{"plates": args}).
			SetResult(&body).
			SetError(&body).
			Post("/api/plates/query")
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(body)
		}
		if !body.Success {
			if body.Step != "" {
				return fmt.Errorf("%s: key %s failed: %s", resp.Status(), body.Step, body.Error)
			}
			return fmt.Errorf("%s: %s", resp.Status(), body.Error)
		}

		return printVehicles(body.Vehicles)
	},
}

func printVehicles(vehicles []models.VehicleQueryResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PLATE\tOK\tRESULT")
	fmt.Fprintln(w, "-----\t--\t------")
	for _, v := range vehicles {
		result := v.Error
		if v.Success {
			result = string(v.Data)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\n", v.Plate, v.Success, result)
	}
	return w.Flush()
}

var vehicleCmd = &cobra.Command{
	Use:   "vehicle <plate>",
	Short: "Show cached or stored registry data for a plate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body json.RawMessage
		resp, err := newAPI().R().SetContext(cmd.Context()).SetResult(&body).Get("/api/vehicles/" + args[0])
		if err := checkResponse(resp, err); err != nil {
			return err
		}
		return printJSON(body)
	},
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Show the server's current key state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body json.RawMessage
		resp, err := newAPI().R().SetContext(cmd.Context()).SetResult(&body).Get("/api/key")
		if err := checkResponse(resp, err); err != nil {
			return err
		}
		return printJSON(body)
	},
}

var queryDirectFlag bool

func init() {
	queryCmd.Flags().BoolVar(&queryDirectFlag, "direct", false, "query RUNT directly with the local config instead of the server")
	rootCmd.AddCommand(healthCmd, processCmd, queryCmd, vehicleCmd, keyCmd)
}

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"veritas/api/internal/capture"
)

func newCaptureCmd(e *env) *cobra.Command {
	var via, file string
	cmd := &cobra.Command{
		Use:   "capture [url]",
		Short: "Screenshot a page and ship it",
		Long: `Takes a PNG screenshot of url in headless Chrome (or reads --file) and sends it to the
local capture receiver (--via ws) or uploads it through a signed URL (--via upload).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var png []byte
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				png = data
			case len(args) == 1:
				data, err := capture.Screenshot(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				png = data
			default:
				return fmt.Errorf("need a url or --file")
			}

			switch via {
			case "ws":
				if err := capture.Send(cmd.Context(), e.cfg.CaptureWSURL, png); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "sent %d bytes to %s\n", len(png), e.cfg.CaptureWSURL)
			case "upload":
				up := capture.NewUploader(e.cfg.SignedURLEndpoint, e.client.AccessToken, nil, e.log)
				key, err := up.Upload(cmd.Context(), png)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "uploaded %s\n", key)
			default:
				return fmt.Errorf("--via must be ws or upload")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&via, "via", "ws", "Delivery: ws or upload")
	cmd.Flags().StringVar(&file, "file", "", "Send an existing PNG instead of taking a screenshot")
	return cmd
}

func newOverlayCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Show whether the overlay is allowed for the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			allowed := capture.NewOverlayChecker(e.client, e.log).Allowed(cmd.Context(), e.client.UserID())
			fmt.Fprintf(e.out, "overlay allowed: %t\n", allowed)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <true|false>",
		Short: "Set the overlay permission flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseBool(args[0])
			if err != nil {
				return err
			}
			if err := e.client.SetOverlay(cmd.Context(), e.client.UserID(), value); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "overlay set to %t\n", value)
			return nil
		},
	})
	return cmd
}

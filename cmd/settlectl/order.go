package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

const (
	flagAmount   = "usd"
	flagAsset    = "asset"
	flagMetadata = "meta"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Create and inspect payment orders",
}

var orderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending order and print its payment instructions",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, _ := cmd.Flags().GetString(flagAmount)
		asset, _ := cmd.Flags().GetString(flagAsset)
		meta, _ := cmd.Flags().GetStringToString(flagMetadata)

		usd, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("--%s: %w", flagAmount, err)
		}
		body, err := json.Marshal(map[string]any{
			"usdAmount":     usd.String(),
			"asset":         asset,
			"buyerMetadata": meta,
		})
		if err != nil {
			return err
		}

		var out map[string]any
		if err := call(cmd, http.MethodPost, "/payments/orders", bytes.NewReader(body), &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var orderStatusCmd = &cobra.Command{
	Use:   "status <order-id>",
	Short: "Show an order's settlement status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		path := "/payments/orderStatus?orderId=" + url.QueryEscape(args[0])
		if err := call(cmd, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var orderGetCmd = &cobra.Command{
	Use:   "get <order-id>",
	Short: "Show the full order record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := call(cmd, http.MethodGet, "/payments/orders/"+url.PathEscape(args[0]), nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	orderCreateCmd.Flags().String(flagAmount, "", "order value in USD, e.g. 100.00")
	orderCreateCmd.Flags().String(flagAsset, "BTC", "settlement asset: BTC or TRC20_USDT")
	orderCreateCmd.Flags().StringToString(flagMetadata, nil, "buyer metadata as key=value pairs")
	_ = orderCreateCmd.MarkFlagRequired(flagAmount)

	orderCmd.AddCommand(orderCreateCmd, orderStatusCmd, orderGetCmd)
}

func call(cmd *cobra.Command, method, path string, body io.Reader, out any) error {
	base, _ := cmd.Flags().GetString(flagGateway)
	timeout, _ := cmd.Flags().GetDuration(flagTimeout)

	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(base, "/")+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			return fmt.Errorf("gateway %d: %s (retry after %ss)", resp.StatusCode, apiErr.Error, retry)
		}
		return fmt.Errorf("gateway %d: %s", resp.StatusCode, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}


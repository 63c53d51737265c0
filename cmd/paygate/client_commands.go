package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nimbuschat/paygate/client"
)

// clientCommands groups commands that exercise the HTTP API.
func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Payment API commands",
		Subcommands: []*cli.Command{
			verifyCommand(),
			checkoutCommand(),
		},
	}
}

func getClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return client.NewClient(serverURL, nil, logger), nil
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Submit a transaction signature for payment verification",
		ArgsUsage: "<signature>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "wallet",
				Aliases:  []string{"w"},
				Usage:    "Paying wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "tier",
				Aliases:  []string{"t"},
				Usage:    "Tier being purchased (pro or pro_plus)",
				Required: true,
			},
			&cli.Float64Flag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Expected payment amount in SOL",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "prorated",
				Usage: "Prorated upgrade from pro to pro_plus",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 45 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			cl, err := getClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			req := client.VerifyRequest{
				TransactionSignature: c.Args().First(),
				ExpectedAmount:       c.Float64("amount"),
				Tier:                 c.String("tier"),
				WalletAddress:        c.String("wallet"),
				IsProrated:           c.Bool("prorated"),
			}
			if req.IsProrated {
				req.IsUpgrade = true
				req.PreviousTier = "pro"
			}

			result, err := cl.VerifyPayment(ctx, req)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result)
			}

			details := result.TransactionDetails
			fmt.Printf("✓ Payment verified\n")
			fmt.Printf("  Payment ID: %s\n", result.PaymentID)
			fmt.Printf("  Signature:  %s\n", details.Signature)
			fmt.Printf("  Amount:     %.9f SOL\n", details.Amount)
			fmt.Printf("  Sender:     %s\n", details.Sender)
			fmt.Printf("  Recipient:  %s\n", details.Recipient)
			fmt.Printf("  Slot:       %d\n", details.Slot)
			fmt.Printf("  Status:     %s\n", details.ConfirmationStatus)

			return nil
		},
	}
}

func checkoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "checkout",
		Usage:     "Request a checkout invoice for a tier",
		ArgsUsage: "<tier>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "prorated",
				Usage: "Prorated upgrade pricing",
			},
			&cli.StringFlag{
				Name:  "qr-out",
				Usage: "Write the invoice QR code PNG to this file",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: tier")
			}

			cl, err := getClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			invoice, err := cl.GetCheckout(ctx, c.Args().First(), c.Bool("prorated"))
			if err != nil {
				return fmt.Errorf("checkout failed: %w", err)
			}

			if qrPath := c.String("qr-out"); qrPath != "" {
				png, err := base64.StdEncoding.DecodeString(invoice.QRCodePNG)
				if err != nil {
					return fmt.Errorf("failed to decode QR code: %w", err)
				}
				if err := os.WriteFile(qrPath, png, 0o644); err != nil {
					return fmt.Errorf("failed to write QR code: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Wrote QR code to %s\n", qrPath)
			}

			if c.Bool("json") {
				return outputJSON(invoice)
			}

			fmt.Printf("Invoice:     %s\n", invoice.InvoiceID)
			fmt.Printf("Tier:        %s\n", invoice.Tier)
			fmt.Printf("Amount:      %.9f SOL (%d lamports)\n", invoice.Amount, invoice.AmountLamports)
			fmt.Printf("Recipient:   %s\n", invoice.Recipient)
			fmt.Printf("Network:     %s\n", invoice.Network)
			fmt.Printf("Payment URL: %s\n", invoice.PaymentURL)

			return nil
		},
	}
}

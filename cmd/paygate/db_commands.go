package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/nimbuschat/paygate/service/config"
	"github.com/nimbuschat/paygate/service/db"
)

func listPaymentsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-payments",
		Usage:   "List payments for a wallet",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "wallet",
				Aliases:  []string{"w"},
				Usage:    "Wallet address to list payments for",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of payments to return",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of payments to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallet := c.String("wallet")
			payments, err := store.ListPaymentsByWallet(context.Background(), db.ListPaymentsByWalletParams{
				WalletAddress: wallet,
				Limit:         int32(c.Int("limit")),
				Offset:        int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payments)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tTIER\tAMOUNT (SOL)\tPRORATED\tBLOCK TIME\tCREATED")
			for _, p := range payments {
				fmt.Fprintf(w, "%s\t%s\t%.9f\t%t\t%s\t%s\n",
					p.Signature,
					p.Tier,
					config.SOLFromLamports(p.AmountLamports),
					p.IsProrated,
					p.BlockTime.Format(time.RFC3339),
					p.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			total, err := store.CountPaymentsByWallet(context.Background(), wallet)
			if err != nil {
				return fmt.Errorf("failed to count payments: %w", err)
			}
			fmt.Fprintf(os.Stderr, "\nShowing %d of %d payments\n", len(payments), total)
			return nil
		},
	}
}

func getPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-payment",
		Usage:     "Get payment details",
		Aliases:   []string{"get"},
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			signature := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			payment, err := store.GetPayment(context.Background(), signature)
			if err != nil {
				return fmt.Errorf("failed to get payment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payment)
			}

			// Pretty output
			fmt.Printf("Payment ID:  %s\n", payment.PaymentID)
			fmt.Printf("Signature:   %s\n", payment.Signature)
			fmt.Printf("Tier:        %s\n", payment.Tier)
			fmt.Printf("Amount:      %.9f SOL (%d lamports)\n",
				config.SOLFromLamports(payment.AmountLamports), payment.AmountLamports)
			fmt.Printf("Wallet:      %s\n", payment.WalletAddress)
			fmt.Printf("Sender:      %s\n", payment.Sender)
			fmt.Printf("Recipient:   %s\n", payment.Recipient)
			fmt.Printf("Slot:        %d\n", payment.Slot)
			fmt.Printf("Prorated:    %t\n", payment.IsProrated)
			fmt.Printf("Block Time:  %s\n", payment.BlockTime.Format(time.RFC3339))
			fmt.Printf("Created:     %s\n", payment.CreatedAt.Format(time.RFC3339))

			return nil
		},
	}
}

func getSubscriptionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-subscription",
		Usage:     "Get a wallet's subscription tier",
		Aliases:   []string{"sub"},
		ArgsUsage: "<wallet_address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}

			wallet := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			sub, err := store.GetSubscription(context.Background(), wallet)
			if err != nil {
				return fmt.Errorf("failed to get subscription: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(sub)
			}

			fmt.Printf("Wallet:  %s\n", sub.WalletAddress)
			fmt.Printf("Tier:    %s\n", sub.Tier)
			fmt.Printf("Updated: %s\n", sub.UpdatedAt.Format(time.RFC3339))

			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}

// outputJSON prints a value as indented JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/anticca-payments/internal/config"
	"github.com/noah-isme/anticca-payments/internal/db"
	"github.com/noah-isme/anticca-payments/internal/payment"
)

var errInvalidSignature = errors.New("signature does not match")

func newRootCmd(out io.Writer, in io.Reader, logger zerolog.Logger) *cobra.Command {
	var secret string

	root := &cobra.Command{
		Use:           "shopierctl",
		Short:         "Shopier payment handshake tooling",
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.SetIn(in)
	root.PersistentFlags().StringVar(&secret, "secret", os.Getenv("SHOPIER_API_SECRET"), "merchant API secret")

	root.AddCommand(
		newSignCmd(&secret),
		newVerifyCmd(&secret),
		newFormCmd(&secret),
		newMigrateCmd(logger),
	)
	return root
}

func newSignCmd(secret *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sign FIELD...",
		Short: "Print the base64 HMAC-SHA256 of the concatenated fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := payment.Sign(*secret, args...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sig)
			return err
		},
	}
}

func newVerifyCmd(secret *string) *cobra.Command {
	var nonce, orderID, status, signature, scheme string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check an inbound notification signature",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := payment.ParseInboundScheme(scheme)
			if err != nil {
				return err
			}
			if *secret == "" {
				return errors.New("--secret or SHOPIER_API_SECRET is required")
			}
			v := payment.Verifier{Secret: *secret, Scheme: s}
			if !v.Verify(nonce, orderID, status, signature) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "invalid")
				return errInvalidSignature
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return err
		},
	}
	cmd.Flags().StringVar(&nonce, "nonce", "", "random_nr sent by the gateway")
	cmd.Flags().StringVar(&orderID, "order", "", "platform_order_id")
	cmd.Flags().StringVar(&status, "status", "", "gateway status (order_status scheme only)")
	cmd.Flags().StringVar(&signature, "signature", "", "base64 signature to check")
	cmd.Flags().StringVar(&scheme, "scheme", envOrDefault("SHOPIER_INBOUND_SIGNATURE", "order"), "inbound scheme: order or order_status")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func newFormCmd(secret *string) *cobra.Command {
	var file, apiKey, paymentURL, callbackURL, nonce string
	cmd := &cobra.Command{
		Use:   "form",
		Short: "Render the signed merchant form for a JSON session request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			var req payment.SessionRequest
			if err := json.NewDecoder(src).Decode(&req); err != nil {
				return fmt.Errorf("decode session request: %w", err)
			}
			if nonce == "" {
				n, err := payment.NewNonce()
				if err != nil {
					return err
				}
				nonce = n
			}
			form, err := payment.BuildSession(req, payment.Merchant{
				APIKey:      apiKey,
				Secret:      *secret,
				PaymentURL:  paymentURL,
				CallbackURL: callbackURL,
				ProductName: envOrDefault("SHOPIER_PRODUCT_NAME", "Anticca Sipariş"),
			}, nonce)
			if err != nil {
				var verr *payment.ValidationError
				if errors.As(err, &verr) {
					return fmt.Errorf("invalid session request: %s", strings.Join(verr.Fields, ", "))
				}
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(form)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "session request JSON file (- for stdin)")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("SHOPIER_API_KEY"), "merchant API key")
	cmd.Flags().StringVar(&paymentURL, "payment-url", envOrDefault("SHOPIER_PAYMENT_URL", config.DefaultShopierPaymentURL), "hosted payment page")
	cmd.Flags().StringVar(&callbackURL, "callback-url", os.Getenv("SHOPIER_CALLBACK_URL"), "browser callback URL")
	cmd.Flags().StringVar(&nonce, "nonce", "", "fixed random_nr (generated when empty)")
	return cmd
}

func newMigrateCmd(logger zerolog.Logger) *cobra.Command {
	var databaseURL string
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the embedded schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			var err error
			switch args[0] {
			case "up":
				err = db.Up(databaseURL)
			case "down":
				err = db.Down(databaseURL, steps)
			}
			if err != nil {
				logger.Error().Err(err).Str("direction", args[0]).Msg("migration failed")
				return err
			}
			logger.Info().Str("direction", args[0]).Msg("migration complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of down steps (0 rolls back everything)")
	return cmd
}

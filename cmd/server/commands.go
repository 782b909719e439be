package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medidocs.io/docflow/internal/auth"
	"medidocs.io/docflow/internal/config"
	"medidocs.io/docflow/internal/core"
	"medidocs.io/docflow/internal/esign"
)

// withApp runs fn against a fully wired app and tears it down afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := loadApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPatientData accepts inline JSON or @path to a JSON file.
func readPatientData(raw string) (core.PatientData, error) {
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read patient data: %w", err)
		}
		data = b
	}
	var patient core.PatientData
	if err := json.Unmarshal(data, &patient); err != nil {
		return nil, fmt.Errorf("patient data must be a JSON object: %w", err)
	}
	return patient, nil
}

func generateCmd() *cobra.Command {
	var (
		patient     string
		docType     string
		sign        bool
		embedded    bool
		signerEmail string
		signerName  string
		returnURL   string
		out         string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a document, optionally sending it for signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readPatientData(patient)
			if err != nil {
				return err
			}
			req := core.Request{
				PatientData: data,
				DocType:     docType,
				Signer:      esign.Signer{Email: signerEmail, Name: signerName},
				Embedded:    embedded,
				ReturnURL:   returnURL,
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var res core.Result
				if sign {
					res = a.pipeline.GenerateAndSign(ctx, req)
				} else {
					res = a.pipeline.Generate(ctx, req)
				}
				if out != "" && len(res.PDF) > 0 {
					if err := os.WriteFile(out, res.PDF, 0o644); err != nil {
						return fmt.Errorf("failed to write pdf: %w", err)
					}
				}
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("%s: %s", res.ErrorKind, res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient data as a JSON object, or @file")
	cmd.Flags().StringVar(&docType, "doc-type", core.DefaultDocType, "document type")
	cmd.Flags().BoolVar(&sign, "sign", false, "send the document for signature")
	cmd.Flags().BoolVar(&embedded, "embedded", false, "create an embedded signing session")
	cmd.Flags().StringVar(&signerEmail, "signer-email", "", "signer email (defaults to DS_SIGNER_EMAIL)")
	cmd.Flags().StringVar(&signerName, "signer-name", "", "signer name (defaults to DS_SIGNER_NAME)")
	cmd.Flags().StringVar(&returnURL, "return-url", "", "return URL for embedded signing")
	cmd.Flags().StringVar(&out, "out", "", "write the rendered PDF to this path")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func searchCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find stored documents similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				results, err := a.pipeline.Search(ctx, strings.Join(args, " "), k)
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
	cmd.Flags().IntVar(&k, "k", core.DefaultSearchLimit, "number of results")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <doc_id>",
		Short: "Show a stored document's workflow state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				doc, err := a.pipeline.Document(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [doc_id]",
		Short: "Pull signature status from the provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					res := a.pipeline.SyncSignatureStatus(ctx, args[0])
					if err := printJSON(cmd, res); err != nil {
						return err
					}
					if !res.Success {
						return errors.New(res.Error)
					}
					return nil
				}
				return printJSON(cmd, a.pipeline.SyncPending(ctx))
			})
		},
	}
}

func consentURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consent-url",
		Short: "Print the URL that grants the integration consent to impersonate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), a.dispatcher.ConsentURL())
				return err
			})
		},
	}
}

// tokenCmd only needs the API secret, so it skips wiring the pipeline.
func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.APIJWTSecret == "" {
				return errors.New("API_JWT_SECRET is not set")
			}
			token, err := auth.GenerateToken([]byte(cfg.APIJWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <doc_id>",
		Short: "Remove a stored document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.pipeline.Delete(ctx, args[0]); err != nil {
					return err
				}
				a.logger.Info().Str("doc_id", args[0]).Msg("document deleted")
				return nil
			})
		},
	}
}

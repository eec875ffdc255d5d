package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/deid/internal/domain/audit"
	"github.com/ehr/deid/internal/domain/deid"
	"github.com/ehr/deid/internal/domain/policy"
	"github.com/ehr/deid/internal/domain/pseudonym"
)

// runWithApp builds the app for one subcommand and closes it afterwards.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// requestFlags are shared by anonymize and dicom.
type requestFlags struct {
	policyID  string
	version   int
	scopeID   string
	operator  string
	bypassWhy string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.policyID, "policy", "", "Policy id (defaults to DEFAULT_POLICY_ID)")
	cmd.Flags().IntVar(&f.version, "policy-version", 0, "Pin an exact policy version")
	cmd.Flags().StringVar(&f.scopeID, "scope", "", "Pseudonymization scope (patient or study id)")
	cmd.Flags().StringVar(&f.operator, "operator", "", "Operator id recorded in the audit trail")
	cmd.Flags().StringVar(&f.bypassWhy, "break-glass", "", "Emergency bypass reason; applies an unapproved policy when the deployment allows it")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("operator")
}

func (f *requestFlags) request() deid.Request {
	return deid.Request{
		PolicyID:        f.policyID,
		PolicyVersion:   f.version,
		ScopeID:         f.scopeID,
		OperatorID:      f.operator,
		EmergencyBypass: strings.TrimSpace(f.bypassWhy) != "",
	}
}

func (f *requestFlags) run(ctx context.Context, a *app, rec deid.Record, out io.Writer) error {
	req := f.request()
	if req.EmergencyBypass {
		a.logger.Warn().Str("operator_id", req.OperatorID).Str("reason", f.bypassWhy).Msg("break-glass anonymization requested")
	}
	res, err := a.engine.Anonymize(ctx, rec, req)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func anonymizeCmd() *cobra.Command {
	var (
		flags requestFlags
		input string
	)
	cmd := &cobra.Command{
		Use:   "anonymize",
		Short: "De-identify one JSON record read from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openInput(input)
			if err != nil {
				return err
			}
			defer r.Close()

			var rec deid.Record
			if err := json.NewDecoder(r).Decode(&rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				return flags.run(ctx, a, rec, cmd.OutOrStdout())
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&input, "in", "i", "-", "Record file, - for stdin")
	return cmd
}

func dicomCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "dicom FILE",
		Short: "De-identify the header of a DICOM Part-10 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			rec, err := deid.RecordFromDICOM(f, info.Size())
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				return flags.run(ctx, a, rec, cmd.OutOrStdout())
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func readPolicyDocument(path string) (policy.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Document{}, err
	}
	return policy.DecodeYAML(data)
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Author, review and inspect de-identification policies",
	}

	var author string
	createCmd := &cobra.Command{
		Use:   "create FILE",
		Short: "Create a draft policy from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readPolicyDocument(args[0])
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.policies.Create(ctx, doc, author)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	createCmd.Flags().StringVar(&author, "author", "", "Author operator id")
	_ = createCmd.MarkFlagRequired("author")
	cmd.AddCommand(createCmd)

	var reviser string
	reviseCmd := &cobra.Command{
		Use:   "revise ID FILE",
		Short: "Add a new draft version of an existing policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readPolicyDocument(args[1])
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.policies.Revise(ctx, args[0], doc, reviser)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	reviseCmd.Flags().StringVar(&reviser, "author", "", "Author operator id")
	_ = reviseCmd.MarkFlagRequired("author")
	cmd.AddCommand(reviseCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "submit ID",
		Short: "Submit the latest draft for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.policies.SubmitForApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	})

	var approver string
	approveCmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Record an approval of the pending version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.policies.Approve(ctx, args[0], approver)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	approveCmd.Flags().StringVar(&approver, "approver", "", "Approver operator id")
	_ = approveCmd.MarkFlagRequired("approver")
	cmd.AddCommand(approveCmd)

	var rejecter, reason string
	rejectCmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject the pending version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.policies.Reject(ctx, args[0], rejecter, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	rejectCmd.Flags().StringVar(&rejecter, "approver", "", "Approver operator id")
	rejectCmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	_ = rejectCmd.MarkFlagRequired("approver")
	cmd.AddCommand(rejectCmd)

	var showVersion int
	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print one policy version (latest when --version is 0)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.policies.Get(ctx, args[0], showVersion)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	showCmd.Flags().IntVar(&showVersion, "version", 0, "Policy version")
	cmd.AddCommand(showCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "history ID",
		Short: "Print every version of a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				versions, err := a.policies.History(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-8s %-18s %-10s %s\n", "VERSION", "STATUS", "APPROVALS", "UPDATED")
				for _, p := range versions {
					fmt.Fprintf(out, "%-8d %-18s %-10d %s\n", p.Version, p.Status, len(p.Approvals), p.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				summaries, err := a.policies.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summaries)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "backup ID",
		Short: "Snapshot every version of a policy to the backup location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				loc, err := a.policies.Backup(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), loc)
				return nil
			})
		},
	})

	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and maintain the audit trail",
	}

	var (
		f        audit.Filter
		outcome  string
		from, to string
	)
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Print matching audit records as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Outcome = audit.Outcome(outcome)
			var err error
			if f.From, err = parseTimeFlag("from", from); err != nil {
				return err
			}
			if f.To, err = parseTimeFlag("to", to); err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				return a.trail.Query(ctx, f, func(r audit.Record) error {
					return enc.Encode(r)
				})
			})
		},
	}
	queryCmd.Flags().StringVar(&f.ScopeID, "scope", "", "Filter by scope id")
	queryCmd.Flags().StringVar(&f.PolicyID, "policy", "", "Filter by policy id")
	queryCmd.Flags().StringVar(&f.OperatorID, "operator", "", "Filter by operator id")
	queryCmd.Flags().StringVar(&outcome, "outcome", "", "success or failed")
	queryCmd.Flags().StringVar(&from, "from", "", "Earliest timestamp (RFC3339)")
	queryCmd.Flags().StringVar(&to, "to", "", "Latest timestamp (RFC3339)")
	queryCmd.Flags().IntVar(&f.Limit, "limit", 0, "Maximum records, 0 for all")
	cmd.AddCommand(queryCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete records older than the retention period, skipping legal holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.trail.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d record(s).\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of every stored record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.trail.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.OK() {
					return errVerifyFailed
				}
				return nil
			})
		},
	})

	var release bool
	holdCmd := &cobra.Command{
		Use:   "hold RECORD_ID",
		Short: "Place or release a legal hold on an audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid record id: %w", err)
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				return a.trail.SetLegalHold(ctx, id, !release)
			})
		},
	}
	holdCmd.Flags().BoolVar(&release, "release", false, "Release the hold instead of placing it")
	cmd.AddCommand(holdCmd)

	return cmd
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func pseudonymCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pseudonym",
		Short: "Pseudonym mapping maintenance",
	}

	var (
		scopeID, kind, operator, reason string
	)
	reverseCmd := &cobra.Command{
		Use:   "reverse SUBSTITUTE",
		Short: "Recover the original value behind a substitute (requires a reversible store)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := pseudonym.ParseKind(kind)
			if err != nil {
				return err
			}
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				a.logger.Warn().Str("operator_id", operator).Str("scope_id", scopeID).
					Str("kind", string(k)).Str("reason", reason).Msg("pseudonym reversal requested")
				original, err := a.mapper.Reverse(ctx, scopeID, k, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), original)
				return nil
			})
		},
	}
	reverseCmd.Flags().StringVar(&scopeID, "scope", "", "Scope the substitute was issued in")
	reverseCmd.Flags().StringVar(&kind, "kind", string(pseudonym.KindIdentifier), "identifier or temporal")
	reverseCmd.Flags().StringVar(&operator, "operator", "", "Operator id")
	reverseCmd.Flags().StringVar(&reason, "reason", "", "Why the original is needed")
	_ = reverseCmd.MarkFlagRequired("scope")
	_ = reverseCmd.MarkFlagRequired("operator")
	cmd.AddCommand(reverseCmd)

	return cmd
}

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sydlexius/lyrebird/internal/auth"
	"github.com/sydlexius/lyrebird/internal/catalog"
	"github.com/sydlexius/lyrebird/internal/merge"
	"github.com/sydlexius/lyrebird/internal/translation"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date.\n", a.cfg.Database.Path)
			return nil
		},
	}
}

// newRankCmd builds the promote and demote commands, which differ only in
// the service call.
func newRankCmd(configPath *string, op string) *cobra.Command {
	var as string

	cmd := &cobra.Command{
		Use:   op + " <translation-id>",
		Short: strings.ToUpper(op[:1]) + op[1:] + " a translation among its language siblings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			actorID, err := a.auth.UserID(ctx, as)
			if err != nil {
				return fmt.Errorf("resolving --as %q: %w", as, err)
			}

			var res any
			if op == "promote" {
				res, err = a.translation.Promote(ctx, args[0], actorID)
			} else {
				res, err = a.translation.Demote(ctx, args[0], actorID)
			}
			if err != nil {
				var perr *translation.PolicyError
				if errors.As(err, &perr) {
					return fmt.Errorf("refused: %s", perr.Reason)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Username the change is made on behalf of")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func newMergeCmd(configPath *string) *cobra.Command {
	var (
		as    string
		sel   merge.Selector
		sides = []struct {
			flag  string
			dest  *merge.Side
			usage string
		}{
			{"orig", &sel.OriginalTranslation, "Side whose original translation is kept"},
			{"others", &sel.OtherTranslations, "Side that keeps its weight on translation ties"},
			{"attributions", &sel.Attributions, "Side whose contribution payload wins"},
			{"location", &sel.Location, "Side whose location is kept"},
			{"category", &sel.Category, "Side whose category is kept"},
			{"year", &sel.Year, "Side whose year is kept"},
		}
		flags = make([]string, len(sides))
	)

	cmd := &cobra.Command{
		Use:   "merge <artist|music> <survivor-id> <donor-id>",
		Short: "Merge a duplicate entity into the survivor",
		Long: `Merge folds the donor entity into the survivor and deletes the donor.

Each selector flag takes "survivor" or "donor" and defaults to survivor.

Examples:
  lyrebird merge artist 1f2e 9c0d --as admin
  lyrebird merge music 1f2e 9c0d --orig donor --year donor --as admin`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := catalog.ParseKind(args[0])
			if err != nil {
				return err
			}
			for i, s := range sides {
				*s.dest = merge.Side(flags[i])
			}

			a, err := openApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			req := merge.Request{
				Kind:       kind,
				SurvivorID: args[1],
				DonorID:    args[2],
				Selector:   sel,
			}
			if as != "" {
				if req.ActorID, err = a.auth.UserID(ctx, as); err != nil {
					return fmt.Errorf("resolving --as %q: %w", as, err)
				}
			}

			res, err := a.merge.Merge(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Username recorded as the merger")
	for i, s := range sides {
		cmd.Flags().StringVar(&flags[i], s.flag, "", s.usage)
	}
	return cmd
}

func newResetCredentialsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-credentials <username>",
		Short: "Set a new password for a user and end their sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}

			a, err := openApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.auth.ResetPassword(cmd.Context(), args[0], password); err != nil {
				if errors.Is(err, auth.ErrUserNotFound) {
					return fmt.Errorf("no user named %q", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password for %s reset. Existing sessions were signed out.\n", args[0])
			return nil
		},
	}
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise, so the command also works with piped input.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "New password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSnapshotCmd(configPath *string) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write a database snapshot to the snapshot directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.maintenance.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes).\n", info.Filename, info.Size)
			if !prune {
				return nil
			}
			removed, err := a.maintenance.Prune()
			if err != nil {
				return err
			}
			for _, name := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s.\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Apply the retention policy afterwards")
	return cmd
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the database integrity check",
		Long: `Check runs SQLite's consistency checks and reports translations, taggings
and links whose owning entity no longer exists. It exits non-zero when a
problem is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.maintenance.Check(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.OK {
				return fmt.Errorf("%d integrity problem(s) found", len(rep.Problems))
			}
			return nil
		},
	}
}

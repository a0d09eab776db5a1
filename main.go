package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-lending/internal/config"
	"library-lending/internal/httpapi"
	"library-lending/library"
)

const (
	outputAuto  = "auto"
	outputTable = "table"
	outputJSON  = "json"

	shutdownTimeout = 10 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand.
type cli struct {
	cfg    config.Config
	output string
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: config.FromEnv()}

	root := &cobra.Command{
		Use:           "library-lending",
		Short:         "Lend and return library books",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			switch c.output {
			case outputAuto, outputTable, outputJSON:
			default:
				return fmt.Errorf("unknown output format %q", c.output)
			}
			c.logger = c.cfg.NewLogger(cmd.ErrOrStderr())
			return nil
		},
	}
	c.cfg.BindFlags(root.PersistentFlags())
	root.PersistentFlags().StringVarP(&c.output, "output", "o", outputAuto, "auto, table or json; auto prints tables on a terminal")

	root.AddCommand(
		c.serveCmd(),
		c.booksCmd(),
		c.membersCmd(),
		c.historyCmd(),
		c.borrowCmd(),
		c.returnCmd(),
		c.migrateCmd(),
	)
	return root
}

func (c *cli) open(ctx context.Context) (*library.LibraryManager, error) {
	db, err := library.OpenDatabase(ctx, c.cfg.Driver, c.cfg.DSN, library.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	return library.NewLibraryManager(db), nil
}

// withManager opens the store for the lifetime of fn.
func (c *cli) withManager(cmd *cobra.Command, fn func(context.Context, *library.LibraryManager) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer mgr.Close()
	return fn(ctx, mgr)
}

func (c *cli) table(w io.Writer) bool {
	switch c.output {
	case outputTable:
		return true
	case outputJSON:
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ------------------ Server ------------------

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the lending API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer mgr.Close()

			srv := &http.Server{
				Addr:              c.cfg.Addr,
				Handler:           httpapi.New(mgr, c.logger).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       time.Minute,
			}

			errCh := make(chan error, 1)
			go func() {
				c.logger.Info("listening", "addr", c.cfg.Addr, "driver", c.cfg.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			c.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return <-errCh
		},
	}
}

// ------------------ Listings ------------------

func (c *cli) booksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "books",
		Short: "List books with their available copies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				books, err := mgr.ListBooks(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !c.table(out) {
					return writeJSON(out, books)
				}
				if len(books) == 0 {
					fmt.Fprintln(out, "No books in library.")
					return nil
				}
				fmt.Fprintf(out, "%-10s %-30s %-25s %-9s\n", "Code", "Title", "Author", "Available")
				fmt.Fprintln(out, strings.Repeat("-", 77))
				for _, b := range books {
					fmt.Fprintln(out, library.PrettyBook(b))
				}
				return nil
			})
		},
	}
}

func (c *cli) membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List members with their open loans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				members, err := mgr.ListMembers(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !c.table(out) {
					return writeJSON(out, members)
				}
				if len(members) == 0 {
					fmt.Fprintln(out, "No members registered.")
					return nil
				}
				fmt.Fprintf(out, "%-10s %-30s %-25s %-5s\n", "Code", "Name", "Penalized Until", "Loans")
				fmt.Fprintln(out, strings.Repeat("-", 73))
				for _, m := range members {
					fmt.Fprintln(out, library.PrettyMember(m))
				}
				return nil
			})
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <member>",
		Short: "Show a member's borrowings, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				history, err := mgr.MemberHistory(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !c.table(out) {
					return writeJSON(out, history)
				}
				if len(history) == 0 {
					fmt.Fprintf(out, "Member %s has never borrowed a book.\n", args[0])
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "Book\tBorrowed\tReturned")
				for _, b := range history {
					returned := "-"
					if b.ReturnedAt != nil {
						returned = b.ReturnedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", b.BookCode, b.BorrowedAt.Format(time.RFC3339), returned)
				}
				return tw.Flush()
			})
		},
	}
}

// ------------------ Circulation ------------------

func (c *cli) borrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "borrow <member> <book>",
		Short: "Lend a book to a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				loan, err := mgr.Borrow(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("borrow %s: %w", args[1], err)
				}
				out := cmd.OutOrStdout()
				if !c.table(out) {
					return writeJSON(out, loan)
				}
				fmt.Fprintf(out, "Book %s borrowed by %s at %s\n", loan.BookCode, loan.MemberCode, loan.BorrowedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func (c *cli) returnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return <member> <book>",
		Short: "Take a book back from a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				receipt, err := mgr.Return(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("return %s: %w", args[1], err)
				}
				out := cmd.OutOrStdout()
				if !c.table(out) {
					return writeJSON(out, receipt)
				}
				fmt.Fprintf(out, "Book %s returned by %s after %d day(s)\n",
					receipt.Borrowing.BookCode, receipt.Borrowing.MemberCode, receipt.DaysBorrowed)
				if receipt.PenaltyUntil != nil {
					fmt.Fprintf(out, "Returned late: %s may not borrow until %s\n",
						receipt.Borrowing.MemberCode, receipt.PenaltyUntil.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

// ------------------ Maintenance ------------------

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema and print its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := library.OpenDatabase(ctx, c.cfg.Driver, c.cfg.DSN, library.WithLogger(c.logger))
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := db.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, db.Driver())
			return nil
		},
	}
}

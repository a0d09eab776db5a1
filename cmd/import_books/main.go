// Command import_books loads members and books from a JSON catalog into the
// lending database. Entries whose code already exists are left untouched.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"library-lending/internal/config"
	"library-lending/library"
)

func main() {
	if err := newImportCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newImportCmd() *cobra.Command {
	cfg := config.FromEnv()
	var reset bool

	cmd := &cobra.Command{
		Use:           "import_books [catalog.json]",
		Short:         "Import members and books from a JSON catalog",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := "catalog.json"
			if len(args) == 1 {
				path = args[0]
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			logger := cfg.NewLogger(cmd.ErrOrStderr())

			f, err := os.Open(filepath.Clean(path))
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer f.Close()

			catalog, err := library.ReadCatalog(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			if reset && cfg.Driver == library.DriverSQLite {
				fmt.Fprintln(out, "Cleaning up existing database files...")
				for _, file := range []string{cfg.DSN, cfg.DSN + "-shm", cfg.DSN + "-wal"} {
					if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
						fmt.Fprintf(out, "Warning: Could not remove %s: %v\n", file, err)
					}
				}
			}

			db, err := library.OpenDatabase(ctx, cfg.Driver, cfg.DSN, library.WithLogger(logger))
			if err != nil {
				return err
			}
			mgr := library.NewLibraryManager(db)
			defer mgr.Close()

			res, err := mgr.ImportCatalog(ctx, catalog)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Import complete!\n")
			fmt.Fprintf(out, "Members added: %d (skipped %d)\n", res.MembersAdded, len(catalog.Members)-res.MembersAdded)
			fmt.Fprintf(out, "Books added:   %d (skipped %d)\n", res.BooksAdded, len(catalog.Books)-res.BooksAdded)

			books, err := mgr.ListBooks(ctx)
			if err != nil {
				return err
			}
			if len(books) > 0 {
				fmt.Fprintln(out, "\nCatalog:")
				for _, b := range books {
					fmt.Fprintln(out, library.PrettyBook(b))
				}
			}
			return nil
		},
	}
	cfg.BindStoreFlags(cmd.Flags())
	cmd.Flags().BoolVar(&reset, "reset", false, "delete an existing sqlite database before importing")
	return cmd
}

package library

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/doug-martin/goqu/v9"
	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"
)

// Catalog is the bootstrap data set loaded by cmd/import_books.
type Catalog struct {
	Members []CatalogMember `json:"members"`
	Books   []Book          `json:"books"`
}

// CatalogMember is a member entry of a Catalog file.
type CatalogMember struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// ImportResult counts what an import inserted; entries whose code already
// exists are skipped.
type ImportResult struct {
	MembersAdded int
	BooksAdded   int
}

// ReadCatalog decodes and validates a catalog file.
func ReadCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r).Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks codes are present and unique and stock is not negative.
func (c Catalog) Validate() error {
	seen := make(map[string]bool)
	for i, m := range c.Members {
		if strings.TrimSpace(m.Code) == "" || strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("member #%d: code and name are required", i+1)
		}
		if seen["m:"+m.Code] {
			return fmt.Errorf("member %s: duplicate code", m.Code)
		}
		seen["m:"+m.Code] = true
	}
	for i, b := range c.Books {
		if strings.TrimSpace(b.Code) == "" || strings.TrimSpace(b.Title) == "" {
			return fmt.Errorf("book #%d: code and title are required", i+1)
		}
		if b.Stock < 0 {
			return fmt.Errorf("book %s: stock must not be negative", b.Code)
		}
		if seen["b:"+b.Code] {
			return fmt.Errorf("book %s: duplicate code", b.Code)
		}
		seen["b:"+b.Code] = true
	}
	return nil
}

// ImportCatalog inserts the catalog in one transaction.
func (d *Database) ImportCatalog(ctx context.Context, c Catalog) (ImportResult, error) {
	var res ImportResult
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range c.Members {
			ds := d.dialect.Insert("members").
				Rows(goqu.Record{"code": m.Code, "name": m.Name}).
				OnConflict(goqu.DoNothing()).
				Prepared(true)
			n, err := d.execCount(ctx, tx, ds)
			if err != nil {
				return err
			}
			res.MembersAdded += n
		}
		for _, b := range c.Books {
			ds := d.dialect.Insert("books").
				Rows(goqu.Record{"code": b.Code, "title": b.Title, "author": b.Author, "stock": b.Stock}).
				OnConflict(goqu.DoNothing()).
				Prepared(true)
			n, err := d.execCount(ctx, tx, ds)
			if err != nil {
				return err
			}
			res.BooksAdded += n
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	d.logOperation("catalog imported", "members_added", res.MembersAdded, "books_added", res.BooksAdded)
	return res, nil
}

func (d *Database) execCount(ctx context.Context, e sqlx.ExecerContext, b sqlBuilder) (int, error) {
	res, err := d.exec(ctx, e, b)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	return int(n), nil
}

// Package csvio reads search terms from uploaded CSV files and writes
// scraped result rows back out as CSV.
package csvio

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// DefaultTermColumn is the header that carries search terms.
const DefaultTermColumn = "List"

// Header is the column layout of result CSVs.
var Header = []string{
	"Search Criteria",
	"Item Description",
	"Brand",
	"Rating",
	"Similarity",
	"Price",
	"Price Currency",
	"Product URL",
	"Product ID",
}

// Row is one ranked candidate for a search term.
type Row struct {
	SearchCriteria string
	Description    string
	Brand          string
	Rating         *float64
	Similarity     float64
	Price          *float64
	Currency       string
	URL            string
	ProductID      string
}

// ReadTerms returns the non-blank values of column, in file order. The first
// record is the header; column is matched case-insensitively.
func ReadTerms(r io.Reader, column string) ([]string, error) {
	if column == "" {
		column = DefaultTermColumn
	}
	br := bufio.NewReader(r)
	if bom, _ := br.Peek(3); len(bom) == 3 && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, scraper.NewStatusError(http.StatusBadRequest, "CSV file is empty")
		}
		return nil, scraper.NewStatusError(http.StatusBadRequest, fmt.Sprintf("invalid CSV: %v", err))
	}
	idx := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, scraper.NewStatusError(http.StatusBadRequest, fmt.Sprintf("CSV is missing column %q", column))
	}

	var terms []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, scraper.NewStatusError(http.StatusBadRequest, fmt.Sprintf("invalid CSV: %v", err))
		}
		if idx >= len(record) {
			continue
		}
		if term := strings.TrimSpace(record[idx]); term != "" {
			terms = append(terms, term)
		}
	}
	return terms, nil
}

// WriteRows writes Header followed by rows.
func WriteRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row.record()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (r Row) record() []string {
	return []string{
		r.SearchCriteria,
		r.Description,
		r.Brand,
		formatOptional(r.Rating),
		strconv.FormatFloat(r.Similarity, 'f', 2, 64),
		formatOptional(r.Price),
		r.Currency,
		r.URL,
		r.ProductID,
	}
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Package upstream adapts the tax portal's document categories to the
// generic pagination and download machinery.
//
// Every crawler variant (invoices, tax returns, notices, payment receipts)
// is the same protocol with different paths and identity fields, so a
// category is pure data and one Source serves them all.
package upstream

import (
	"errors"
	"fmt"
	"sort"
)

// Format is the shape of a category's listing responses.
type Format string

const (
	// FormatJSON listings return {"datas": [...], "state": ..., "total": N}.
	FormatJSON Format = "json"

	// FormatHTML listings are rendered pages carrying data-* attributes.
	FormatHTML Format = "html"
)

// ErrUnknownCategory is returned by Catalog.Get for an unregistered name.
var ErrUnknownCategory = errors.New("unknown document category")

// Category describes one document type of the portal.
type Category struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`

	ListPath   string `yaml:"list_path"`
	ExportPath string `yaml:"export_path"`
	Format     Format `yaml:"format"`
	PageSize   int    `yaml:"page_size"`

	// IDField names the display identifier of a record.
	IDField string `yaml:"id_field"`

	// IdentityFields together identify a document upstream. They are also
	// the query parameters of the export call.
	IdentityFields []string `yaml:"identity_fields"`

	// DownloadFlagField marks records that have an artifact. Empty means
	// every record has one.
	DownloadFlagField string `yaml:"download_flag_field"`

	// VariantField selects the export variant (e.g. original or amended).
	VariantField string `yaml:"variant_field"`

	// MaxPartitionDays bounds the date range of a single listing query.
	MaxPartitionDays int `yaml:"max_partition_days"`

	// Extension is appended to artifact names that lack one.
	Extension string `yaml:"extension"`
}

// Validate checks that c can drive a crawl.
func (c Category) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("category name is required")
	case c.ListPath == "":
		return fmt.Errorf("category %s: list_path is required", c.Name)
	case c.ExportPath == "":
		return fmt.Errorf("category %s: export_path is required", c.Name)
	case c.Format != FormatJSON && c.Format != FormatHTML:
		return fmt.Errorf("category %s: unsupported format %q", c.Name, c.Format)
	case len(c.IdentityFields) == 0:
		return fmt.Errorf("category %s: identity_fields is required", c.Name)
	case c.MaxPartitionDays < 1:
		return fmt.Errorf("category %s: max_partition_days must be >= 1", c.Name)
	}
	return nil
}

// DefaultCategories returns the four portal crawlers.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:              "invoice",
			Label:             "Hóa đơn điện tử",
			ListPath:          "/query/invoices/purchase",
			ExportPath:        "/query/invoices/export-xml",
			Format:            FormatJSON,
			PageSize:          50,
			IDField:           "shdon",
			IdentityFields:    []string{"nbmst", "khhdon", "khmshdon", "shdon"},
			DownloadFlagField: "hasXml",
			MaxPartitionDays:  27,
			Extension:         ".zip",
		},
		{
			Name:             "tax_return",
			Label:            "Tờ khai thuế",
			ListPath:         "/tkhai/search",
			ExportPath:       "/tkhai/download",
			Format:           FormatJSON,
			PageSize:         20,
			IDField:          "maTKhai",
			IdentityFields:   []string{"id", "maTKhai"},
			VariantField:     "loaiTKhai",
			MaxPartitionDays: 90,
			Extension:        ".xml",
		},
		{
			Name:              "notice",
			Label:             "Thông báo",
			ListPath:          "/tbao/search",
			ExportPath:        "/tbao/download",
			Format:            FormatHTML,
			IDField:           "so",
			IdentityFields:    []string{"id", "so"},
			DownloadFlagField: "file",
			MaxPartitionDays:  90,
			Extension:         ".pdf",
		},
		{
			Name:             "payment_receipt",
			Label:            "Giấy nộp tiền",
			ListPath:         "/gnt/search",
			ExportPath:       "/gnt/download",
			Format:           FormatJSON,
			PageSize:         20,
			IDField:          "soGNT",
			IdentityFields:   []string{"soGNT", "ngayNop"},
			MaxPartitionDays: 31,
			Extension:        ".pdf",
		},
	}
}

// Catalog is the set of categories a process serves.
type Catalog struct {
	byName map[string]Category
}

// NewCatalog validates and indexes categories. Later entries override
// earlier ones with the same name.
func NewCatalog(categories ...Category) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Category, len(categories))}
	for _, cat := range categories {
		if err := cat.Validate(); err != nil {
			return nil, err
		}
		c.byName[cat.Name] = cat
	}
	return c, nil
}

// Get returns the named category.
func (c *Catalog) Get(name string) (Category, error) {
	cat, ok := c.byName[name]
	if !ok {
		return Category{}, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	return cat, nil
}

// Names returns the registered names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package upstream

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/pagination"
)

// Attributes of rendered listings.
const (
	attrTotalPages   = "data-total-pages"
	attrTotalRecords = "data-total-records"
	attrItemPrefix   = "data-item-"
	attrItemID       = "data-item-id"
)

// acceptHTML accepts rendered listings. Error pages served with 200 carry
// no pagination container.
func acceptHTML(resp *client.Response) error {
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return errors.New("empty body")
	}
	if !bytes.Contains(resp.Body, []byte(attrTotalPages)) {
		return errors.New("page has no listing container")
	}
	return nil
}

// parseHTMLListing walks a rendered listing. The container element carries
// data-total-pages and data-total-records; each row carries data-item-*
// attributes, one per record field.
func parseHTMLListing(r io.Reader, cat Category) (*pagination.Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	page := &pagination.Page{TotalRecords: -1}
	found := false

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			attrs := attrMap(n)
			if v, ok := attrs[attrTotalPages]; ok {
				found = true
				if p, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					page.TotalPages = p
				}
				if t, err := strconv.Atoi(strings.TrimSpace(attrs[attrTotalRecords])); err == nil {
					page.TotalRecords = t
				}
			}
			if _, ok := attrs[attrItemID]; ok {
				page.Items = append(page.Items, itemFromAttrs(attrs, cat))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if !found {
		return nil, errors.New("listing container not found")
	}
	return page, nil
}

func attrMap(n *html.Node) map[string]string {
	out := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		out[a.Key] = a.Val
	}
	return out
}

func itemFromAttrs(attrs map[string]string, cat Category) model.Item {
	rec := make(map[string]any)
	for k, v := range attrs {
		if strings.HasPrefix(k, attrItemPrefix) {
			rec[strings.TrimPrefix(k, attrItemPrefix)] = v
		}
	}

	// Attribute names are lower-cased by the parser; map record fields
	// case-insensitively.
	lookup := func(field string) (any, bool) {
		v, ok := rec[strings.ToLower(field)]
		return v, ok
	}

	item := model.Item{
		Identity:    make(map[string]string, len(cat.IdentityFields)),
		HasDownload: true,
		Raw:         rec,
	}
	if v, ok := lookup(cat.IDField); ok {
		item.ID = stringify(v)
	}
	for _, field := range cat.IdentityFields {
		if v, ok := lookup(field); ok {
			item.Identity[field] = stringify(v)
		}
	}
	if cat.DownloadFlagField != "" {
		v, _ := lookup(cat.DownloadFlagField)
		item.HasDownload = truthy(v)
	}
	if cat.VariantField != "" {
		if v, ok := lookup(cat.VariantField); ok {
			item.Variant = stringify(v)
		}
	}
	return item
}

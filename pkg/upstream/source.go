package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/pagination"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
)

// Query parameters understood by the portal.
const (
	ParamFrom  = "from"
	ParamTo    = "to"
	ParamState = "state"
	ParamPage  = "page"
	ParamSize  = "size"
)

// Artifact is the raw payload of one export call.
type Artifact struct {
	Body        []byte
	ContentType string
	Filename    string
	Attempts    int
}

// Source fetches listings and artifacts of one category through a job's
// rate-limited client. It implements pagination.PageFetcher.
type Source struct {
	client   *client.Client
	base     *url.URL
	category Category
}

// NewSource creates a source for category against baseURL.
func NewSource(c *client.Client, baseURL string, category Category) (*Source, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if err := category.Validate(); err != nil {
		return nil, err
	}
	return &Source{client: c, base: base, category: category}, nil
}

// Category returns the source's category.
func (s *Source) Category() Category { return s.category }

// FetchPage fetches one listing page of part.
func (s *Source) FetchPage(ctx context.Context, part partition.Partition, cursor pagination.PageCursor) (*pagination.Page, error) {
	q := url.Values{}
	q.Set(ParamFrom, part.Start.Format(partition.DateLayout))
	q.Set(ParamTo, part.End.Format(partition.DateLayout))
	if s.category.PageSize > 0 {
		q.Set(ParamSize, strconv.Itoa(s.category.PageSize))
	}

	accept := s.acceptJSONListing
	if s.category.Format == FormatHTML {
		accept = acceptHTML
		if cursor.PageNumber > 1 {
			q.Set(ParamPage, strconv.Itoa(cursor.PageNumber))
		}
	} else if cursor.Token != "" {
		q.Set(ParamState, cursor.Token)
	}

	resp, err := s.client.Execute(ctx, &client.Request{
		Method:   http.MethodGet,
		URL:      s.endpoint(s.category.ListPath, q),
		Header:   http.Header{"Accept": []string{"application/json, text/html"}},
		Endpoint: s.category.Name + ":list",
		Timeout:  s.client.ListTimeout(),
		Accept:   accept,
	})
	if err != nil {
		return nil, err
	}

	var page *pagination.Page
	if s.category.Format == FormatHTML {
		page, err = parseHTMLListing(bytes.NewReader(resp.Body), s.category)
	} else {
		page, err = parseJSONListing(resp.Body, s.category)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", client.ErrMalformedResponse, err)
	}

	for i := range page.Items {
		page.Items[i].PartitionIndex = part.Index
		page.Items[i].PageNumber = cursor.PageNumber
	}
	return page, nil
}

// Fetch downloads the artifact of item. It performs at most maxAttempts
// client attempts; validation of the payload is left to the caller.
func (s *Source) Fetch(ctx context.Context, item model.Item, maxAttempts int) (*Artifact, error) {
	q := url.Values{}
	for _, field := range s.category.IdentityFields {
		if v, ok := item.Identity[field]; ok {
			q.Set(field, v)
		}
	}
	if item.Variant != "" && s.category.VariantField != "" {
		q.Set(s.category.VariantField, item.Variant)
	}

	resp, err := s.client.Execute(ctx, &client.Request{
		Method:      http.MethodGet,
		URL:         s.endpoint(s.category.ExportPath, q),
		Endpoint:    s.category.Name + ":export",
		Timeout:     s.client.ExportTimeout(),
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    attachmentName(resp.Header.Get("Content-Disposition")),
		Attempts:    resp.Attempts,
	}, nil
}

func (s *Source) endpoint(path string, q url.Values) string {
	u := *s.base
	u.Path = s.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

// acceptJSONListing rejects 200 bodies that are not listings, so schema
// mismatches are retried on the malformed budget.
func (s *Source) acceptJSONListing(resp *client.Response) error {
	if err := client.AcceptJSON(resp); err != nil {
		return err
	}
	_, err := parseJSONListing(resp.Body, s.category)
	return err
}

type jsonListing struct {
	Datas []map[string]any `json:"datas"`
	State json.RawMessage  `json:"state"`
	Total *int             `json:"total"`
}

func parseJSONListing(body []byte, cat Category) (*pagination.Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var listing jsonListing
	if err := dec.Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if listing.Datas == nil {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, err
		}
		if _, ok := probe["datas"]; !ok {
			return nil, errors.New(`listing has no "datas" field`)
		}
	}

	page := &pagination.Page{TotalRecords: -1}
	if listing.Total != nil {
		page.TotalRecords = *listing.Total
	}
	if listing.State != nil {
		page.HasContinuation = true
		var token string
		if err := json.Unmarshal(listing.State, &token); err == nil {
			page.NextToken = token
		} else if string(listing.State) != "null" {
			page.NextToken = strings.Trim(string(listing.State), `"`)
		}
	}

	for _, rec := range listing.Datas {
		page.Items = append(page.Items, itemFromRecord(rec, cat))
	}
	return page, nil
}

func itemFromRecord(rec map[string]any, cat Category) model.Item {
	item := model.Item{
		ID:          stringify(rec[cat.IDField]),
		Identity:    make(map[string]string, len(cat.IdentityFields)),
		HasDownload: true,
		Raw:         rec,
	}
	for _, field := range cat.IdentityFields {
		if v, ok := rec[field]; ok && v != nil {
			item.Identity[field] = stringify(v)
		}
	}
	if cat.DownloadFlagField != "" {
		item.HasDownload = truthy(rec[cat.DownloadFlagField])
	}
	if cat.VariantField != "" {
		item.Variant = stringify(rec[cat.VariantField])
	}
	return item
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no", "null":
			return false
		}
		return true
	default:
		return v != nil
	}
}

// attachmentName extracts the filename of a Content-Disposition header.
func attachmentName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

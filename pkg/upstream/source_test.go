package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/phuongtri1909/tool-gotax-sub000/internal/testutil"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/pagination"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/ratelimit"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/session"
)

func newTestSource(t *testing.T, baseURL string, cat Category) *Source {
	t.Helper()

	pool, err := session.NewPool(session.DefaultPoolConfig(baseURL), session.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	cfg := client.DefaultConfig(pool)
	cfg.Throttle = ratelimit.Config{}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	c.SetSleeper(func(ctx context.Context, d time.Duration) error { return nil })
	t.Cleanup(func() { c.Close() })

	src, err := NewSource(c, baseURL, cat)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	return src
}

func mustCategory(t *testing.T, name string) Category {
	t.Helper()
	cat, err := mustCatalog(t).Get(name)
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(DefaultCategories()...)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return c
}

func testPartition() partition.Partition {
	return partition.Partition{
		Index: 0,
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local),
		End:   time.Date(2024, 1, 27, 0, 0, 0, 0, time.Local),
	}
}

func invoiceRecord(n string) map[string]any {
	return map[string]any{
		"nbmst":    "0101234567",
		"khhdon":   "C24TAA",
		"khmshdon": 1,
		"shdon":    n,
		"hasXml":   true,
	}
}

func TestDefaultCategories_Valid(t *testing.T) {
	c := mustCatalog(t)
	want := []string{"invoice", "notice", "payment_receipt", "tax_return"}
	got := c.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestCatalog_GetUnknown(t *testing.T) {
	_, err := mustCatalog(t).Get("receipts")
	if !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Get() error = %v, want ErrUnknownCategory", err)
	}
}

func TestCategory_Validate(t *testing.T) {
	base := DefaultCategories()[0]

	tests := []struct {
		name   string
		mutate func(*Category)
	}{
		{"no name", func(c *Category) { c.Name = "" }},
		{"no list path", func(c *Category) { c.ListPath = "" }},
		{"no export path", func(c *Category) { c.ExportPath = "" }},
		{"bad format", func(c *Category) { c.Format = "xml" }},
		{"no identity", func(c *Category) { c.IdentityFields = nil }},
		{"zero max days", func(c *Category) { c.MaxPartitionDays = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := base
			tt.mutate(&cat)
			if err := cat.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestParseJSONListing(t *testing.T) {
	cat := DefaultCategories()[0]

	tests := []struct {
		name         string
		body         string
		wantItems    int
		wantContinue bool
		wantToken    string
		wantTotal    int
		wantErr      bool
	}{
		{
			name:         "token",
			body:         `{"datas":[{"nbmst":"1","khhdon":"A","khmshdon":1,"shdon":7,"hasXml":1}],"state":"abc","total":12}`,
			wantItems:    1,
			wantContinue: true,
			wantToken:    "abc",
			wantTotal:    12,
		},
		{
			name:         "null state",
			body:         `{"datas":[],"state":null,"total":0}`,
			wantContinue: true,
			wantToken:    "",
			wantTotal:    0,
		},
		{
			name:      "no state field",
			body:      `{"datas":[{"shdon":"1"}]}`,
			wantItems: 1,
			wantTotal: -1,
		},
		{
			name:    "no datas field",
			body:    `{"error":"session expired"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `<html></html>`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := parseJSONListing([]byte(tt.body), cat)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseJSONListing() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJSONListing() error = %v", err)
			}
			if len(page.Items) != tt.wantItems {
				t.Errorf("Items = %d, want %d", len(page.Items), tt.wantItems)
			}
			if page.HasContinuation != tt.wantContinue {
				t.Errorf("HasContinuation = %v, want %v", page.HasContinuation, tt.wantContinue)
			}
			if page.NextToken != tt.wantToken {
				t.Errorf("NextToken = %q, want %q", page.NextToken, tt.wantToken)
			}
			if page.TotalRecords != tt.wantTotal {
				t.Errorf("TotalRecords = %d, want %d", page.TotalRecords, tt.wantTotal)
			}
		})
	}
}

func TestParseJSONListing_Identity(t *testing.T) {
	cat := DefaultCategories()[0]
	body := `{"datas":[
		{"nbmst":"0101","khhdon":"C24","khmshdon":1,"shdon":15,"hasXml":true},
		{"nbmst":"0101","khhdon":"C24","khmshdon":1,"shdon":16,"hasXml":false}
	],"state":null}`

	page, err := parseJSONListing([]byte(body), cat)
	if err != nil {
		t.Fatalf("parseJSONListing() error = %v", err)
	}

	first := page.Items[0]
	if first.ID != "15" {
		t.Errorf("ID = %q, want 15", first.ID)
	}
	if got, want := first.Key(), "khhdon=C24:khmshdon=1:nbmst=0101:shdon=15"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if !first.HasDownload {
		t.Error("first item HasDownload = false, want true")
	}
	if page.Items[1].HasDownload {
		t.Error("second item HasDownload = true, want false")
	}
}

func TestParseHTMLListing(t *testing.T) {
	cat := mustCategory(t, "notice")
	doc := `<!DOCTYPE html><html><body>
	<div id="result" data-total-pages="3" data-total-records="5">
	<table>
	<tr data-item-id="11" data-item-so="TB-01" data-item-file="1"><td>TB-01</td></tr>
	<tr data-item-id="12" data-item-so="TB-02" data-item-file=""><td>TB-02</td></tr>
	</table>
	</div></body></html>`

	page, err := parseHTMLListing(strings.NewReader(doc), cat)
	if err != nil {
		t.Fatalf("parseHTMLListing() error = %v", err)
	}
	if page.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", page.TotalPages)
	}
	if page.TotalRecords != 5 {
		t.Errorf("TotalRecords = %d, want 5", page.TotalRecords)
	}
	if len(page.Items) != 2 {
		t.Fatalf("Items = %d, want 2", len(page.Items))
	}
	if page.Items[0].ID != "TB-01" || page.Items[0].Key() != "id=11:so=TB-01" {
		t.Errorf("first item = %+v (key %s)", page.Items[0], page.Items[0].Key())
	}
	if !page.Items[0].HasDownload || page.Items[1].HasDownload {
		t.Errorf("HasDownload = %v,%v; want true,false", page.Items[0].HasDownload, page.Items[1].HasDownload)
	}
}

func TestParseHTMLListing_ErrorPage(t *testing.T) {
	_, err := parseHTMLListing(strings.NewReader(testutil.HTMLErrorPage), mustCategory(t, "notice"))
	if err == nil {
		t.Error("parseHTMLListing() error = nil for an error page")
	}
}

func TestSource_WalkJSONListing(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	cat := mustCategory(t, "invoice")
	mock.SetListing(cat.ListPath, [][]map[string]any{
		{invoiceRecord("1"), invoiceRecord("2")},
		{invoiceRecord("3"), invoiceRecord("2")},
		{invoiceRecord("4")},
	})

	src := newTestSource(t, mock.URL(), cat)
	walker := pagination.NewWalker(src, pagination.DefaultConfig())

	res, err := walker.Walk(context.Background(), testPartition())
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if calls := mock.PathCount(cat.ListPath); calls != 3 {
		t.Errorf("listing calls = %d, want 3", calls)
	}
	if len(res.Items) != 4 {
		t.Errorf("Items = %d, want 4", len(res.Items))
	}
	if res.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", res.Duplicates)
	}
	if res.TotalRecords != 5 {
		t.Errorf("TotalRecords = %d, want 5", res.TotalRecords)
	}

	reqs := mock.Requests()
	if got := reqs[0].Query.Get(ParamFrom); got != "01/01/2024" {
		t.Errorf("from = %q, want 01/01/2024", got)
	}
	if got := reqs[0].Query.Get(ParamTo); got != "27/01/2024" {
		t.Errorf("to = %q, want 27/01/2024", got)
	}
	if reqs[0].Query.Has(ParamState) {
		t.Error("first call carried a state cursor")
	}
	if got := reqs[1].Query.Get(ParamState); got != "p1" {
		t.Errorf("second call state = %q, want p1", got)
	}
	if got := reqs[0].Header.Get("Authorization"); got != "Bearer t" {
		t.Errorf("Authorization = %q, want Bearer t", got)
	}
}

func TestSource_WalkHTMLListing(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	cat := mustCategory(t, "notice")
	mock.SetHandler(cat.ListPath, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get(ParamPage)
		if page == "" {
			page = "1"
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><div data-total-pages="2" data-total-records="2">` +
			`<p data-item-id="` + page + `" data-item-so="TB-` + page + `" data-item-file="1">x</p>` +
			`</div></body></html>`))
	})

	src := newTestSource(t, mock.URL(), cat)
	res, err := pagination.NewWalker(src, pagination.DefaultConfig()).Walk(context.Background(), testPartition())
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if calls := mock.PathCount(cat.ListPath); calls != 2 {
		t.Errorf("listing calls = %d, want 2", calls)
	}
	if len(res.Items) != 2 {
		t.Errorf("Items = %d, want 2", len(res.Items))
	}
}

func TestSource_FetchPageMalformed(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	cat := mustCategory(t, "invoice")
	mock.SetResponse(cat.ListPath, testutil.JSON(http.StatusOK, map[string]any{"message": "no datas"}))

	src := newTestSource(t, mock.URL(), cat)
	_, err := src.FetchPage(context.Background(), testPartition(), pagination.PageCursor{PageNumber: 1})
	if !errors.Is(err, client.ErrMalformedResponse) {
		t.Errorf("FetchPage() error = %v, want ErrMalformedResponse", err)
	}
	if calls := mock.PathCount(cat.ListPath); calls != client.DefaultRetryPolicy().MaxMalformedAttempts {
		t.Errorf("listing calls = %d, want %d", calls, client.DefaultRetryPolicy().MaxMalformedAttempts)
	}
}

func TestSource_FetchPageRetriesSchemaMismatch(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	cat := mustCategory(t, "invoice")
	mock.SetSequence(cat.ListPath,
		testutil.JSON(http.StatusOK, map[string]any{"message": "try again"}),
		testutil.JSON(http.StatusOK, map[string]any{"datas": []map[string]any{invoiceRecord("7")}, "state": nil}),
	)

	src := newTestSource(t, mock.URL(), cat)
	page, err := src.FetchPage(context.Background(), testPartition(), pagination.PageCursor{PageNumber: 1})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if calls := mock.PathCount(cat.ListPath); calls != 2 {
		t.Errorf("listing calls = %d, want 2", calls)
	}
	if len(page.Items) != 1 {
		t.Errorf("Items = %d, want 1", len(page.Items))
	}
}

func TestSource_Fetch(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	cat := mustCategory(t, "tax_return")
	resp := testutil.PDF()
	resp.Headers["Content-Disposition"] = `attachment; filename="01GTGT-2024Q1.xml"`
	mock.SetResponse(cat.ExportPath, resp)

	src := newTestSource(t, mock.URL(), cat)
	page, err := parseJSONListing([]byte(`{"datas":[{"id":9,"maTKhai":"842","loaiTKhai":"C"}],"state":null}`), cat)
	if err != nil {
		t.Fatal(err)
	}

	art, err := src.Fetch(context.Background(), page.Items[0], 3)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(art.Body) != testutil.PDFMagic {
		t.Errorf("Body = %q, want PDF payload", art.Body)
	}
	if art.Filename != "01GTGT-2024Q1.xml" {
		t.Errorf("Filename = %q", art.Filename)
	}

	q := mock.Requests()[0].Query
	if q.Get("id") != "9" || q.Get("maTKhai") != "842" || q.Get("loaiTKhai") != "C" {
		t.Errorf("export query = %v", q)
	}
}

func TestSource_FetchBudget(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	cat := mustCategory(t, "payment_receipt")
	mock.SetResponse(cat.ExportPath, testutil.Unavailable())

	src := newTestSource(t, mock.URL(), cat)
	_, err := src.Fetch(context.Background(), itemFromRecord(map[string]any{"soGNT": "1"}, cat), 2)
	if !errors.Is(err, client.ErrExhaustedRetries) {
		t.Errorf("Fetch() error = %v, want ErrExhaustedRetries", err)
	}
	if calls := mock.PathCount(cat.ExportPath); calls != 2 {
		t.Errorf("export calls = %d, want 2", calls)
	}
}

func TestAttachmentName(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`attachment; filename="a.pdf"`, "a.pdf"},
		{`inline`, ""},
		{``, ""},
		{`;;;`, ""},
	}
	for _, tt := range tests {
		if got := attachmentName(tt.header); got != tt.want {
			t.Errorf("attachmentName(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

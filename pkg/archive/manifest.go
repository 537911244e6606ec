package archive

import (
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
)

// ManifestEntryName is the summary file written into every bundle.
const ManifestEntryName = "MANIFEST.md"

// File is one artifact packaged into a bundle.
type File struct {
	Name     string `json:"name"`
	Bundle   string `json:"bundle"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	ItemID   string `json:"itemId"`
	ItemKey  string `json:"itemKey"`
	MIMEType string `json:"mimeType"`
}

// Bundle is one addressable zip object.
type Bundle struct {
	ID    string `json:"id"`
	Part  int    `json:"part"`
	Name  string `json:"name"`
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
	Files int    `json:"files"`
}

// SkippedItem records an item excluded from the archive.
type SkippedItem struct {
	ItemID  string `json:"itemId"`
	ItemKey string `json:"itemKey"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

// Manifest describes a completed download batch.
type Manifest struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	Category   string    `json:"category"`
	RangeStart time.Time `json:"rangeStart"`
	RangeEnd   time.Time `json:"rangeEnd"`

	Bundles    []Bundle `json:"bundles"`
	TotalBytes int64    `json:"totalBytes"`
	Files      []File   `json:"files"`

	Requested    int           `json:"requested"`
	Downloaded   int           `json:"downloaded"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	SkippedItems []SkippedItem `json:"skippedItems,omitempty"`
	Partial      bool          `json:"partial"`

	CreatedAt time.Time `json:"createdAt"`
}

// Bundle returns the bundle with the given 1-based part number.
func (m *Manifest) Bundle(part int) (Bundle, bool) {
	for _, b := range m.Bundles {
		if b.Part == part {
			return b, true
		}
	}
	return Bundle{}, false
}

// writeSummary renders the markdown summary of one bundle.
func writeSummary(w io.Writer, m *Manifest, part int, files []File) error {
	md := markdown.NewMarkdown(w)

	md.H1("Tax document archive")
	md.PlainText("")

	status := "Complete"
	if m.Partial {
		status = "Partial"
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Manifest", "`" + m.ID + "`"},
			{"Job", "`" + m.JobID + "`"},
			{"Category", m.Category},
			{"Range", m.RangeStart.Format("02/01/2006") + " - " + m.RangeEnd.Format("02/01/2006")},
			{"Bundle part", strconv.Itoa(part)},
			{"Status", status},
			{"Created", m.CreatedAt.Format("2006-01-02 15:04:05 MST")},
		},
	})
	md.PlainText("")

	md.H2("Summary")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Requested", "Downloaded", "Skipped", "Failed"},
		Rows: [][]string{{
			strconv.Itoa(m.Requested),
			strconv.Itoa(m.Downloaded),
			strconv.Itoa(m.Skipped),
			strconv.Itoa(m.Failed),
		}},
	})
	md.PlainText("")

	md.H2("Files")
	md.PlainText("")
	if len(files) == 0 {
		md.PlainText("No artifacts in this bundle.")
		md.PlainText("")
	} else {
		rows := make([][]string, len(files))
		for i, f := range files {
			rows[i] = []string{f.Name, f.ItemID, strconv.FormatInt(f.Size, 10), f.SHA256}
		}
		md.Table(markdown.TableSet{
			Header: []string{"File", "Item", "Bytes", "SHA-256"},
			Rows:   rows,
		})
		md.PlainText("")
	}

	if part == 1 && len(m.SkippedItems) > 0 {
		md.H2("Skipped")
		md.PlainText("")
		rows := make([][]string, len(m.SkippedItems))
		for i, s := range m.SkippedItems {
			rows[i] = []string{s.ItemID, s.Status, s.Reason}
		}
		md.Table(markdown.TableSet{
			Header: []string{"Item", "Status", "Reason"},
			Rows:   rows,
		})
		md.PlainText("")
	}

	return md.Build()
}

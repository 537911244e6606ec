package archive

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonSafe    = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	underscore = regexp.MustCompile(`_+`)
)

// BundleName returns the query-derived name of a bundle, e.g.
// invoice_20240101_20240315.zip, or invoice_20240101_20240315_part2.zip for
// the second bundle of a rolled-over archive.
func BundleName(category string, start, end time.Time, part int) string {
	base := fmt.Sprintf("%s_%s_%s", ASCIIFold(category), start.Format("20060102"), end.Format("20060102"))
	if part > 1 {
		base += fmt.Sprintf("_part%d", part)
	}
	return base + ".zip"
}

// ASCIIFold strips diacritics and replaces anything outside [A-Za-z0-9._-]
// with underscores, e.g. "Hóa đơn 01.pdf" becomes "Hoa_don_01.pdf".
func ASCIIFold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	// đ/Đ have no decomposition.
	folded = strings.NewReplacer("đ", "d", "Đ", "D").Replace(folded)
	folded = nonSafe.ReplaceAllString(folded, "_")
	folded = underscore.ReplaceAllString(folded, "_")
	return strings.Trim(folded, "_")
}

// entryNamer produces unique zip entry names within one bundle.
type entryNamer struct {
	used map[string]struct{}
}

func newEntryNamer() *entryNamer {
	return &entryNamer{used: make(map[string]struct{})}
}

func (n *entryNamer) name(raw string) string {
	ext := path.Ext(raw)
	stem := ASCIIFold(strings.TrimSuffix(raw, ext))
	ext = ASCIIFold(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if stem == "" {
		stem = "file"
	}

	candidate := stem + ext
	for i := 2; ; i++ {
		if _, taken := n.used[strings.ToLower(candidate)]; !taken {
			break
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	n.used[strings.ToLower(candidate)] = struct{}{}
	return candidate
}

// Package template renders alt text and file names from #token# templates.
package template

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Placeholder keys understood by the default variable set.
const (
	KeyProductName = "product_name"
	KeyVendor      = "vendor"
	KeyProductType = "product_type"
	KeyHandle      = "handle"
	KeyShopName    = "shop_name"
	KeyImageNumber = "image_number"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	slugInvalid   = regexp.MustCompile(`[^a-z0-9-]`)
	hyphenRun     = regexp.MustCompile(`-{2,}`)
)

// Render replaces every #key# for the keys in vars in a single pass, so values
// that themselves look like placeholders are never expanded. Placeholders
// without a variable are left untouched. The result has whitespace collapsed,
// is trimmed and has trailing separators (- _ | ,) removed.
func Render(tmpl string, vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "#"+k+"#", vars[k])
	}
	out := strings.NewReplacer(pairs...).Replace(tmpl)

	out = whitespaceRun.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)
	return strings.TrimRightFunc(out, func(r rune) bool {
		return isSeparator(r) || unicode.IsSpace(r)
	})
}

func isSeparator(r rune) bool {
	switch r {
	case '-', '_', '|', ',':
		return true
	}
	return false
}

// Slugify turns rendered text into a lowercase hyphenated name made of [a-z0-9-].
// It returns an empty string when nothing usable remains; see FileName.
func Slugify(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = whitespaceRun.ReplaceAllString(s, "-")
	s = slugInvalid.ReplaceAllString(s, "")
	s = hyphenRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// FileName renders and slugifies tmpl, falling back to fallback when the
// result is empty.
func FileName(tmpl string, vars map[string]string, fallback string) string {
	if name := Slugify(Render(tmpl, vars)); name != "" {
		return name
	}
	return fallback
}

// Subject is the product data templates can refer to.
type Subject struct {
	ProductName string
	Vendor      string
	ProductType string
	Handle      string
	ShopName    string
	ImageNumber int
}

// Variables returns the placeholder map for s.
func (s Subject) Variables() map[string]string {
	vars := map[string]string{
		KeyProductName: s.ProductName,
		KeyVendor:      s.Vendor,
		KeyProductType: s.ProductType,
		KeyHandle:      s.Handle,
		KeyShopName:    s.ShopName,
		KeyImageNumber: "",
	}
	if s.ImageNumber > 0 {
		vars[KeyImageNumber] = strconv.Itoa(s.ImageNumber)
	}
	return vars
}

package collector

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/shelfscope/api/internal/model"
)

var (
	asinPattern    = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})`)
	pricePattern   = regexp.MustCompile(`([\$£€¥])?\s*([\d,]+(?:\.\d+)?)`)
	ratingPattern  = regexp.MustCompile(`([\d.]+) out of`)
	countPattern   = regexp.MustCompile(`([\d,]+)`)
	spacePattern   = regexp.MustCompile(`\s+`)
	termWordFilter = regexp.MustCompile(`[^\p{L}\p{N}\s-]+`)
)

var priceSelectors = []string{
	"#corePrice_feature_div span.a-offscreen",
	"span.a-price span.a-offscreen",
	"span.a-price-whole",
	"span.a-price-range",
	"span.a-color-price",
}

var brandSelectors = []string{
	"a#bylineInfo",
	"span.a-size-base.po-break-word",
}

var currencies = map[string]string{"$": "USD", "£": "GBP", "€": "EUR", "¥": "JPY"}

const (
	maxFeatures = 5
	maxReviews  = 5
)

// CanonicalLocator reduces a product URL to scheme://host/dp/ASIN when an
// ASIN is present. Other URLs are returned unchanged.
func CanonicalLocator(locator string) (string, string) {
	u, err := url.Parse(locator)
	if err != nil {
		return locator, ""
	}
	m := asinPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return locator, ""
	}
	return u.Scheme + "://" + u.Host + "/dp/" + m[1], m[1]
}

// ParseProduct normalizes a product page. It never invents values: a field
// the page does not carry is left empty.
func ParseProduct(locator string, body []byte, fetchedAt time.Time) (model.CollectedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return model.CollectedRecord{}, err
	}

	canonical, asin := CanonicalLocator(locator)
	rec := model.CollectedRecord{
		Locator:   canonical,
		ASIN:      asin,
		Title:     text(doc.Find("#productTitle").First()),
		FetchedAt: fetchedAt,
	}

	for _, sel := range priceSelectors {
		raw := text(doc.Find(sel).First())
		if raw == "" {
			continue
		}
		if m := pricePattern.FindStringSubmatch(raw); m != nil {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64); err == nil {
				rec.Price = &v
				rec.Currency = currencies[m[1]]
				break
			}
		}
	}
	if rec.Currency == "" && rec.Price != nil {
		rec.Currency = currencies[text(doc.Find("span.a-price-symbol").First())]
	}

	for _, sel := range brandSelectors {
		b := cleanBrand(text(doc.Find(sel).First()))
		if b != "" {
			rec.Brand = b
			break
		}
	}

	if m := ratingPattern.FindStringSubmatch(text(doc.Find("span.a-icon-alt").First())); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			rec.Rating = &v
		}
	}
	if m := countPattern.FindStringSubmatch(text(doc.Find("#acrCustomerReviewText").First())); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			rec.ReviewCount = &v
		}
	}

	rec.Description = text(doc.Find("#productDescription").First())
	rec.Features = features(doc)
	rec.Attributes = attributes(doc)

	var crumbs []string
	doc.Find("#wayfinding-breadcrumbs_feature_div a").Each(func(_ int, s *goquery.Selection) {
		if c := text(s); c != "" {
			crumbs = append(crumbs, c)
		}
	})
	rec.Category = strings.Join(crumbs, " > ")

	doc.Find(`[data-hook="review-body"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if r := text(s); r != "" {
			rec.Reviews = append(rec.Reviews, r)
		}
		return len(rec.Reviews) < maxReviews
	})

	return rec, nil
}

func features(doc *goquery.Document) []string {
	sel := doc.Find("#feature-bullets span.a-list-item")
	if sel.Length() == 0 {
		sel = doc.Find("span.a-list-item")
	}
	var out []string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if f := text(s); len(f) > 10 {
			out = append(out, f)
		}
		return len(out) < maxFeatures
	})
	return out
}

func attributes(doc *goquery.Document) map[string]string {
	attrs := make(map[string]string)
	doc.Find("#productDetails_techSpec_section_1 tr, #productDetails_detailBullets_sections1 tr").Each(func(_ int, s *goquery.Selection) {
		k, v := text(s.Find("th").First()), text(s.Find("td").First())
		if k != "" && v != "" {
			attrs[k] = v
		}
	})
	doc.Find("#detailBullets_feature_div li").Each(func(_ int, s *goquery.Selection) {
		parts := strings.SplitN(text(s), ":", 2)
		if len(parts) != 2 {
			return
		}
		k := strings.Trim(strings.TrimSpace(parts[0]), "‎‏ ")
		v := strings.TrimSpace(parts[1])
		if k != "" && v != "" {
			attrs[k] = v
		}
	})
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// ParseSearchResults returns absolute product links from a search page in
// page order, with duplicates removed.
func ParseSearchResults(searchURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(searchURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var links []string
	doc.Find(`[data-component-type="s-search-result"]`).Each(func(_ int, item *goquery.Selection) {
		href, ok := item.Find("h2 a").First().Attr("href")
		if !ok {
			href, ok = item.Find("a.a-link-normal").First().Attr("href")
		}
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		link, _ := CanonicalLocator(base.ResolveReference(ref).String())
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links, nil
}

// SearchTerms derives up to max related-item queries from the subject.
func SearchTerms(rec model.CollectedRecord, max int) []string {
	if max <= 0 {
		return nil
	}
	title := rec.Title
	if rec.Brand != "" {
		title = strings.Replace(title, rec.Brand, "", 1)
	}
	words := strings.Fields(termWordFilter.ReplaceAllString(title, " "))
	if len(words) > 5 {
		words = words[:5]
	}

	leaf := rec.Category
	if i := strings.LastIndex(leaf, ">"); i >= 0 {
		leaf = strings.TrimSpace(leaf[i+1:])
	}

	candidates := []string{strings.Join(words, " "), leaf}
	if rec.Brand != "" && leaf != "" {
		candidates = append(candidates, rec.Brand+" "+leaf)
	}

	seen := make(map[string]bool)
	var terms []string
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		terms = append(terms, c)
		if len(terms) == max {
			break
		}
	}
	return terms
}

func cleanBrand(s string) string {
	for _, junk := range []string{"Brand:", "Visit the", "Store"} {
		s = strings.ReplaceAll(s, junk, "")
	}
	return strings.TrimSpace(s)
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s.Text(), " "))
}

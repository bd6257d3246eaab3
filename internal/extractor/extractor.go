// Package extractor evaluates a source's CSS selectors against listing and
// item pages using goquery.
package extractor

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

var (
	numericRun  = regexp.MustCompile(`[\d.,]+`)
	currencyRun = regexp.MustCompile(`[^\d\s.,]+`)
)

// Extractor implements crawler.Extractor. It is stateless and safe for concurrent use.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// ListItems returns the normalized child locators found under each item card,
// deduplicated and in document order.
func (e *Extractor) ListItems(page []byte, pageURL string, src crawler.SourceDescription) ([]string, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	normalizer, err := crawler.NewNormalizer(src.Normalization)
	if err != nil {
		return nil, fmt.Errorf("normalizer: %w", err)
	}

	seen := make(map[string]struct{})
	var locators []string
	doc.Find(src.Selectors.ItemCard).Each(func(_ int, card *goquery.Selection) {
		href, ok := card.Find(src.Selectors.ItemLink).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		locator := normalizer.Normalize(pageURL, href)
		if _, dup := seen[locator]; dup {
			return
		}
		seen[locator] = struct{}{}
		locators = append(locators, locator)
	})
	return locators, nil
}

// ParseItem builds an item record from an item page. Identity is itemURL.
func (e *Extractor) ParseItem(body []byte, itemURL string, src crawler.SourceDescription) (crawler.Item, error) {
	doc, err := parse(body)
	if err != nil {
		return crawler.Item{}, err
	}
	sel := src.Selectors

	item := crawler.Item{
		Identity:          itemURL,
		Name:              text(doc, sel.Name),
		Description:       text(doc, sel.Description),
		Category:          text(doc, sel.Category),
		Availability:      text(doc, sel.Availability),
		PriceIncludingTax: ParsePrice(text(doc, sel.PriceIncludingTax)),
		PriceExcludingTax: ParsePrice(text(doc, sel.PriceExcludingTax)),
		ReviewCount:       parseCount(text(doc, sel.ReviewCount)),
		Rating:            rating(doc, sel.Rating),
		Status:            crawler.ItemStatusFetched,
	}

	if sel.Image != "" {
		if imgSrc, ok := doc.Find(sel.Image).First().Attr("src"); ok && strings.TrimSpace(imgSrc) != "" {
			normalizer, err := crawler.NewNormalizer(src.Normalization)
			if err != nil {
				return crawler.Item{}, fmt.Errorf("normalizer: %w", err)
			}
			item.ImageURL = normalizer.Normalize(itemURL, imgSrc)
		}
	}
	return item, nil
}

// ParsePrice splits price text into its leading numeric run and the first
// run of non-numeric, non-space characters. Empty text yields nil; text
// without a usable numeric run yields a nil amount.
func ParsePrice(raw string) *crawler.Price {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	price := &crawler.Price{Currency: currencyRun.FindString(raw)}
	if run := numericRun.FindString(raw); run != "" {
		if amount, err := strconv.ParseFloat(strings.ReplaceAll(run, ",", ""), 64); err == nil {
			price.Amount = &amount
		}
	}
	return price
}

// ParseRating maps the class tokens of a rating marker onto the rating vocabulary.
func ParseRating(classAttr string) crawler.Rating {
	for _, token := range strings.Fields(classAttr) {
		for _, r := range []crawler.Rating{
			crawler.RatingZero, crawler.RatingOne, crawler.RatingTwo,
			crawler.RatingThree, crawler.RatingFour, crawler.RatingFive,
		} {
			if strings.EqualFold(token, string(r)) {
				return r
			}
		}
	}
	return crawler.RatingUnknown
}

func parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func text(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	found := doc.Find(selector).First()
	if found.Length() == 0 {
		return ""
	}
	return strings.Join(strings.Fields(found.Text()), " ")
}

func parseCount(raw string) *int {
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return nil
	}
	return &n
}

func rating(doc *goquery.Document, selector string) crawler.Rating {
	if selector == "" {
		return ""
	}
	marker := doc.Find(selector).First()
	if marker.Length() == 0 {
		return ""
	}
	class, _ := marker.Attr("class")
	return ParseRating(class)
}

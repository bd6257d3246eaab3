package orchestrator

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// fakeCatalog serves a paginated bookshop. Page p lists books
// (p-1)*perPage+1 .. p*perPage; pages past the last list nothing unless
// pastEndStatus is set.
type fakeCatalog struct {
	mu            sync.Mutex
	pages         int
	perPage       int
	prices        map[int]string
	pageStatus    map[int]int
	bookStatus    map[int]int
	pastEndStatus int
	// duplicateLinks lists every book as two absolute links differing in
	// scheme case and fragment.
	duplicateLinks bool
	requests       []string
}

func newFakeCatalog(pages, perPage int) *fakeCatalog {
	return &fakeCatalog{
		pages:      pages,
		perPage:    perPage,
		prices:     map[int]string{},
		pageStatus: map[int]int{},
		bookStatus: map[int]int{},
	}
}

func (c *fakeCatalog) setPrice(book int, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[book] = price
}

func (c *fakeCatalog) pageRequests() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pages []int
	for _, path := range c.requests {
		var n int
		if _, err := fmt.Sscanf(path, "/catalogue/page-%d.html", &n); err == nil {
			pages = append(pages, n)
		}
	}
	return pages
}

func (c *fakeCatalog) bookRequests(book int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := fmt.Sprintf("/catalogue/book-%d/index.html", book)
	count := 0
	for _, path := range c.requests {
		if path == want {
			count++
		}
	}
	return count
}

func (c *fakeCatalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, r.URL.Path)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var n int
	switch {
	case strings.HasPrefix(r.URL.Path, "/catalogue/page-"):
		if _, err := fmt.Sscanf(r.URL.Path, "/catalogue/page-%d.html", &n); err != nil {
			http.NotFound(w, r)
			return
		}
		if status, ok := c.pageStatus[n]; ok {
			w.WriteHeader(status)
			return
		}
		if n > c.pages && c.pastEndStatus != 0 {
			w.WriteHeader(c.pastEndStatus)
			return
		}
		fmt.Fprint(w, c.listing(n, r.Host))
	case strings.HasPrefix(r.URL.Path, "/catalogue/book-"):
		if _, err := fmt.Sscanf(r.URL.Path, "/catalogue/book-%d/index.html", &n); err != nil {
			http.NotFound(w, r)
			return
		}
		if status, ok := c.bookStatus[n]; ok {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, c.book(n))
	default:
		http.NotFound(w, r)
	}
}

func (c *fakeCatalog) listing(page int, host string) string {
	var b strings.Builder
	b.WriteString("<html><body><ol class=\"row\">")
	if page <= c.pages {
		for i := 1; i <= c.perPage; i++ {
			book := (page-1)*c.perPage + i
			if c.duplicateLinks {
				fmt.Fprintf(&b, `<li><article class="product_pod"><h3><a href="http://%s/catalogue/book-%d/index.html">Book %d</a></h3></article></li>`, host, book, book)
				fmt.Fprintf(&b, `<li><article class="product_pod"><h3><a href="HTTP://%s/catalogue/book-%d/index.html#reviews">Book %d</a></h3></article></li>`, host, book, book)
				continue
			}
			fmt.Fprintf(&b, `<li><article class="product_pod"><h3><a href="book-%d/index.html">Book %d</a></h3></article></li>`, book, book)
		}
	}
	b.WriteString("</ol></body></html>")
	return b.String()
}

func (c *fakeCatalog) book(n int) string {
	price, ok := c.prices[n]
	if !ok {
		price = fmt.Sprintf("£%d.00", 10+n)
	}
	return fmt.Sprintf(`<html><body>
<ul class="breadcrumb"><li><a href="/">Home</a></li><li><a href="/poetry">Poetry</a></li><li class="active">Book %[1]d</li></ul>
<div class="product_main"><h1>Book %[1]d</h1><p class="instock availability">In stock</p><p class="star-rating Three"></p></div>
<div id="product_description"></div><p>Description of book %[1]d.</p>
<table class="table table-striped">
<tr><th>Price (excl. tax)</th><td>£%[2]d.00</td></tr>
<tr><th>Price (incl. tax)</th><td>%[3]s</td></tr>
<tr><th>Number of reviews</th><td>%[1]d</td></tr>
</table>
</body></html>`, n, 10+n, price)
}

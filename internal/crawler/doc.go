// Package crawler holds the domain model shared by the catalog pipeline:
// source descriptions, item records, change events, crawl progress, the
// fetch error taxonomy, the retry policy, and the interfaces implemented by
// fetchers, gateways, blob stores, and publishers.
package crawler

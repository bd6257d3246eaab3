package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizationStrategy names how relative locators become absolute URLs.
type NormalizationStrategy string

// Supported normalization strategies.
const (
	// NormalizeNone uses locators verbatim.
	NormalizeNone NormalizationStrategy = "none"
	// NormalizeResolve resolves locators against the URL of the page they appeared on.
	NormalizeResolve NormalizationStrategy = "resolve"
	// NormalizeCatalogueRelative strips leading dots and slashes and prefixes a fixed base.
	NormalizeCatalogueRelative NormalizationStrategy = "catalogue_relative"
)

// URLNormalization selects a normalization strategy for a source.
type URLNormalization struct {
	Strategy NormalizationStrategy `mapstructure:"strategy" json:"strategy"`
	Base     string                `mapstructure:"base" json:"base,omitempty"`
}

// Normalizer turns a locator found on pageURL into an absolute URL.
type Normalizer interface {
	Normalize(pageURL, ref string) string
}

// NewNormalizer builds the Normalizer for cfg.
func NewNormalizer(cfg URLNormalization) (Normalizer, error) {
	switch cfg.Strategy {
	case "", NormalizeNone:
		return verbatim{}, nil
	case NormalizeResolve:
		return resolver{}, nil
	case NormalizeCatalogueRelative:
		if cfg.Base == "" {
			return nil, fmt.Errorf("strategy %q requires a base URL", cfg.Strategy)
		}
		return cataloguePrefix{base: cfg.Base}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
}

type verbatim struct{}

func (verbatim) Normalize(_ string, ref string) string {
	return strings.TrimSpace(ref)
}

type resolver struct{}

func (resolver) Normalize(pageURL, ref string) string {
	ref = strings.TrimSpace(ref)
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	target, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return canonicalOrRaw(base.ResolveReference(target).String())
}

type cataloguePrefix struct {
	base string
}

func (c cataloguePrefix) Normalize(_ string, ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return canonicalOrRaw(ref)
	}
	return canonicalOrRaw(strings.TrimRight(c.base, "/") + "/" + strings.TrimLeft(ref, "./"))
}

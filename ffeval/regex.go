package ffeval

import (
	"regexp"
	"time"

	"github.com/launchdarkly/ccache"
)

const (
	defaultRegexCacheSize = 500
	regexCacheTTL         = 10 * time.Minute

	// Go regular expressions run in time linear in the input, so capping the input and the
	// pattern bounds the cost of a match.
	maxRegexInputLength   = 64 * 1024
	maxRegexPatternLength = 4 * 1024
)

type compiledRegex struct {
	re *regexp.Regexp // nil if the pattern is invalid
}

type regexCache struct {
	cache *ccache.Cache
}

func newRegexCache(size int) *regexCache {
	if size <= 0 {
		size = defaultRegexCacheSize
	}
	return &regexCache{cache: ccache.New(ccache.Configure().MaxSize(int64(size)))}
}

// get returns the compiled, case-insensitive form of a pattern, or nil if it does not compile.
// Invalid patterns are cached too.
func (c *regexCache) get(pattern string) *regexp.Regexp {
	if pattern == "" || len(pattern) > maxRegexPatternLength {
		return nil
	}
	item, _ := c.cache.Fetch(pattern, regexCacheTTL, func() (interface{}, error) {
		re, err := regexp.Compile("(?is)" + pattern)
		if err != nil {
			return compiledRegex{}, nil
		}
		return compiledRegex{re: re}, nil
	})
	if item == nil {
		return nil
	}
	if cr, ok := item.Value().(compiledRegex); ok {
		return cr.re
	}
	return nil
}

package model

import "fmt"

// Category is a named partition of the cache. Every category owns exactly one Policy.
type Category string

const (
	CategoryUserData        Category = "user_data"
	CategoryContent         Category = "content"
	CategoryAnalytics       Category = "analytics"
	CategorySessions        Category = "sessions"
	CategoryRecommendations Category = "recommendations"
	CategoryMedia           Category = "media"
)

// Categories is the fixed, ordered set of known categories.
// The order is also the lock order used when an entry moves between categories.
var Categories = [...]Category{
	CategoryUserData,
	CategoryContent,
	CategoryAnalytics,
	CategorySessions,
	CategoryRecommendations,
	CategoryMedia,
}

// NumCategories is len(Categories).
const NumCategories = len(Categories)

// Index returns the position of c in Categories or -1 for an unknown category.
func (c Category) Index() int {
	for i, known := range Categories {
		if known == c {
			return i
		}
	}
	return -1
}

func (c Category) Valid() bool { return c.Index() >= 0 }

func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

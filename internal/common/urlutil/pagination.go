package urlutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// PageShape identifies how a site expresses pagination in its URLs.
type PageShape string

// Recognized pagination shapes.
const (
	ShapeQueryPage  PageShape = "query-page" // ?page=N
	ShapeQueryPaged PageShape = "query-paged" // ?paged=N
	ShapeOffset     PageShape = "query-offset" // ?offset=N
	ShapePathPage   PageShape = "path-page" // /page/N
	ShapePathP      PageShape = "path-p"    // /p/N
	ShapePathPg     PageShape = "path-pg"   // /pg/N
)

var pathShapes = []struct {
	shape PageShape
	re    *regexp.Regexp
}{
	{ShapePathPage, regexp.MustCompile(`^(.*)/page/(\d+)/?$`)},
	{ShapePathP, regexp.MustCompile(`^(.*)/p/(\d+)/?$`)},
	{ShapePathPg, regexp.MustCompile(`^(.*)/pg/(\d+)/?$`)},
}

var queryShapes = []struct {
	shape PageShape
	param string
}{
	{ShapeQueryPage, "page"},
	{ShapeQueryPaged, "paged"},
	{ShapeOffset, "offset"},
}

// Pagination is a parsed paginated URL: the base hub URL with pagination
// stripped, the shape, and the page number.
type Pagination struct {
	Base  string
	Shape PageShape
	Page  int
}

// ParsePagination recognizes the known pagination shapes in a URL. Returns
// (nil, false) when the URL carries no page marker.
func ParsePagination(rawURL string) (*Pagination, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}

	for _, qs := range queryShapes {
		v := u.Query().Get(qs.param)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			continue
		}
		q := u.Query()
		q.Del(qs.param)
		base := *u
		base.RawQuery = q.Encode()
		return &Pagination{Base: base.String(), Shape: qs.shape, Page: n}, true
	}

	for _, ps := range pathShapes {
		m := ps.re.FindStringSubmatch(u.Path)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		base := *u
		base.Path = m[1]
		if base.Path == "" {
			base.Path = "/"
		}
		return &Pagination{Base: base.String(), Shape: ps.shape, Page: n}, true
	}

	return nil, false
}

// PageURL builds the URL for page n of a hub in the given shape. Page 1 of a
// query shape returns the base unchanged, matching how publishers link it.
func PageURL(base string, shape PageShape, n int) string {
	switch shape {
	case ShapePathPage, ShapePathP, ShapePathPg:
		seg := map[PageShape]string{
			ShapePathPage: "page",
			ShapePathP:    "p",
			ShapePathPg:   "pg",
		}[shape]
		return strings.TrimSuffix(base, "/") + "/" + seg + "/" + strconv.Itoa(n)
	case ShapeQueryPaged:
		return appendQuery(base, "paged", n)
	case ShapeOffset:
		return appendQuery(base, "offset", n)
	default:
		if n <= 1 {
			return base
		}
		return appendQuery(base, "page", n)
	}
}

// SectionAllURL inserts the "/all" suffix some section pages need before the
// page parameter takes effect.
func SectionAllURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimSuffix(base, "/") + "/all"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/all"
	return u.String()
}

func appendQuery(base, param string, n int) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=%d", base, sep, param, n)
}

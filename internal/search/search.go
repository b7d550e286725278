package search

// Result is a single comment hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	Snippet      string `json:"snippet"`
	CanonicalURL string `json:"canonicalUrl"`
	GroupingKey  string `json:"groupingKey"`
	AuthorID     string `json:"authorId"`
}

// Query describes a search request.
type Query struct {
	Text        string
	GroupingKey string // empty = all pages
	AuthorID    string // empty = all authors
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over comments.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	CanonicalURL string `json:"canonicalUrl"`
	GroupingKey  string `json:"groupingKey"`
	AuthorID     string `json:"authorId"`
}

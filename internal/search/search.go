package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultArticle ResultType = "article"
	ResultThread  ResultType = "thread"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Category string     `json:"category"`
	Status   string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterCategory string
	Limit          int
	Offset         int
	IsAdmin        bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexArticle(a ArticleRecord) error
	IndexThread(t ThreadRecord) error
	DeleteArticle(id string) error
	DeleteThread(id string) error
}

// ArticleRecord is the data we index for an article.
type ArticleRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
}

// ThreadRecord is the data we index for a forum thread.
type ThreadRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
	Status   string `json:"status"`
}

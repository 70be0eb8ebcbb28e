package models

// Page is the text of one PDF page. Number is 1-based.
type Page struct {
	Number int    `json:"page"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// PageEmbedding pairs a page with its vector.
type PageEmbedding struct {
	Page      Page
	Embedding []float32
}

// Match is a page returned by a similarity search.
type Match struct {
	Page       Page    `json:"page"`
	Similarity float32 `json:"similarity"`
}

type PromptResponse struct {
	Query   string  `json:"query"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Matches []Match `json:"matches"`
}

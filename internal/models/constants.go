package models

const (
	ContextSeparator = "\n\n"
	PDFHeader        = "%PDF"

	ContextPlaceholder  = "{context}"
	QuestionPlaceholder = "{question}"
)

// DefaultPromptTemplate is filled with the retrieved context and the question.
var DefaultPromptTemplate = `Use the following pieces of context to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer.

{context}

Question: {question}
Helpful Answer:`

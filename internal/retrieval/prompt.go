package retrieval

import (
	"encoding/json"
	"fmt"
)

const systemInstruction = "You are a helpful AI assistant who answers the user query based on the available context from PDF files."

// Prompt is what the completion provider receives: a system message holding
// the retrieved context and the user's question, sent verbatim.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt serialises chunks as JSON into the system message.
func BuildPrompt(query string, chunks []RetrievedChunk) (Prompt, error) {
	if chunks == nil {
		chunks = []RetrievedChunk{}
	}
	ctxJSON, err := json.Marshal(chunks)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{
		System: fmt.Sprintf("%s\nContext: %s", systemInstruction, ctxJSON),
		User:   query,
	}, nil
}

package models

// MessageEdge wraps a message with the cursor that resumes a scan after it.
type MessageEdge struct {
	Node   Message `json:"node"`
	Cursor int     `json:"cursor"`
}

type PageInfo struct {
	HasNextPage bool `json:"hasNextPage"`
	EndCursor   *int `json:"endCursor"`
}

type MessagePage struct {
	Edges      []MessageEdge `json:"edges"`
	PageInfo   PageInfo      `json:"pageInfo"`
	TotalCount int           `json:"totalCount"`
}

// NewEdge builds the edge for a message. The cursor is the message id.
func NewEdge(m Message) MessageEdge {
	return MessageEdge{Node: m, Cursor: m.ID}
}

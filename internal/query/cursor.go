package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/roach88/replica/internal/ir"
)

// token is the decoded form of a cursor.
type token struct {
	After string `json:"after"`
	Limit int    `json:"limit"`
	Query string `json:"query"`
}

// encodeCursor renders a cursor as base64url (unpadded) canonical JSON.
func encodeCursor(t token) (string, error) {
	data, err := ir.MarshalCanonical(ir.IRObject{
		"after": ir.IRString(t.After),
		"limit": ir.IRInt(t.Limit),
		"query": ir.IRString(t.Query),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeCursor(entityType, s string) (token, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return token{}, ir.ValidationError(entityType, "cursor", "malformed cursor")
	}
	var t token
	if err := json.Unmarshal(data, &t); err != nil || t.After == "" || t.Query == "" || t.Limit < 0 {
		return token{}, ir.ValidationError(entityType, "cursor", "malformed cursor")
	}
	return t, nil
}

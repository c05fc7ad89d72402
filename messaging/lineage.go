package messaging

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Header keys stamped on every outgoing message
const (
	ContentTypeHeader    = "content-type"
	MessageIDChainHeader = "message_id_chain"
)

// NewMessageID returns 16 random lowercase hex characters
func NewMessageID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}

	var folded [8]byte
	for i := range folded {
		folded[i] = u[i] ^ u[i+8]
	}
	return hex.EncodeToString(folded[:]), nil
}

// extendChain copies parent and appends id
func extendChain(parent []string, id string) []string {
	chain := make([]string, 0, len(parent)+1)
	chain = append(chain, parent...)
	return append(chain, id)
}

// chainFromHeader reads a message_id_chain header value
func chainFromHeader(v interface{}) []string {
	switch chain := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(chain))
		for _, item := range chain {
			switch id := item.(type) {
			case string:
				out = append(out, id)
			case []byte:
				out = append(out, string(id))
			}
		}
		return out
	case []string:
		return append([]string(nil), chain...)
	case string:
		if chain == "" {
			return nil
		}
		return []string{chain}
	}
	return nil
}

package notify

import (
	"fmt"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

// EncodePayload is the queue message for a subscription: its raw id.
func EncodePayload(id feedhook.ID) []byte {
	return id.Bytes()
}

func DecodePayload(b []byte) (feedhook.ID, error) {
	id, err := feedhook.IDFromBytes(b)
	if err != nil {
		return feedhook.ID{}, fmt.Errorf("error decoding payload of %d bytes: %w", len(b), err)
	}

	return id, nil
}

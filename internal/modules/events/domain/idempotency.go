package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const IdempotencyCollection = "idempotency_keys"

var idempotencyNamespace = uuid.MustParse("0b7a3f36-54f6-4c55-8f0c-3d8d0c7f1d41")

// IdempotencyRecord remembers which event a caller's propose key produced.
type IdempotencyRecord struct {
	UserID    string    `json:"userId"`
	Key       string    `json:"key"`
	EventID   string    `json:"eventId"`
	Request   string    `json:"request"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether fingerprint identifies the request that created the
// record. Records written without a fingerprint match any request.
func (r IdempotencyRecord) Matches(fingerprint string) bool {
	return r.Request == "" || r.Request == fingerprint
}

func IdempotencyKeyID(userID, key string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(userID+"\x00"+key)).String()
}

// Fingerprint identifies the proposal's content so a reused idempotency key
// can be told apart from a retry.
func (p Proposal) Fingerprint() (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(idempotencyNamespace, payload).String(), nil
}

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
)

// timeLayout is used for every timestamp column so values compare as text.
const timeLayout = "2006-01-02T15:04:05Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

// AuditDigest identifies a decision by content: two passes that reach the
// same result produce the same digest. It also returns the candidates JSON
// stored alongside.
func AuditDigest(r model.MatchResult) (digest string, candidates string, err error) {
	cands := r.Candidates
	if cands == nil {
		cands = []model.Candidate{}
	}
	cj, err := json.Marshal(cands)
	if err != nil {
		return "", "", err
	}
	payload, err := json.Marshal(struct {
		Status     model.Status    `json:"status"`
		Item       *model.Item     `json:"item"`
		Confidence float64         `json:"confidence"`
		Candidates json.RawMessage `json:"candidates"`
		DecidedAt  string          `json:"decided_at"`
	}{r.Status, r.Item, r.Confidence, cj, formatTime(r.DecidedAt)})
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), string(cj), nil
}

func itemColumns(it *model.Item) (interface{}, interface{}, interface{}) {
	if it == nil {
		return nil, nil, nil
	}
	return it.Category, it.Name, it.FCType
}

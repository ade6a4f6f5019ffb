package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/brojonat/planwallet/service/plan"
)

// TransactionEntry is one transaction the ledger has recorded for an address.
type TransactionEntry struct {
	Hash      string    `json:"transaction_hash"`
	BlockTime time.Time `json:"block_time"`
}

// ExplorerURL links the entry on the public Solana explorer for network.
func (e TransactionEntry) ExplorerURL(network string) string {
	u := "https://explorer.solana.com/tx/" + e.Hash
	if network != "" && network != "mainnet-beta" {
		u += "?cluster=" + network
	}
	return u
}

// SubscriptionRecord is the ledger's view of an address's current plan.
type SubscriptionRecord struct {
	PlanType  plan.Type `json:"plan_type"`
	StartTime time.Time `json:"plan_start"`
	EndTime   time.Time `json:"plan_end"`
}

// Active reports whether now falls inside the plan period.
// A record without an end time never expires.
func (r *SubscriptionRecord) Active(now time.Time) bool {
	if r == nil {
		return false
	}
	if !r.StartTime.IsZero() && now.Before(r.StartTime) {
		return false
	}
	return r.EndTime.IsZero() || now.Before(r.EndTime)
}

// History is the ledger's transaction list and plan for one address.
// Plan is nil when the address has no subscription.
type History struct {
	Transactions []TransactionEntry  `json:"transactions"`
	Plan         *SubscriptionRecord `json:"plan"`
}

// historyResponse is the wire format of GET /api/transactions/{address}.
type historyResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	Plan         *planResponse         `json:"plan"`
}

type transactionResponse struct {
	TransactionHash string    `json:"transaction_hash"`
	BlockTime       Timestamp `json:"block_time"`
}

type planResponse struct {
	PlanType  string    `json:"plan_type"`
	PlanStart Timestamp `json:"plan_start"`
	PlanEnd   Timestamp `json:"plan_end"`
}

func responseToEntries(in []transactionResponse) []TransactionEntry {
	entries := make([]TransactionEntry, 0, len(in))
	for _, tx := range in {
		entries = append(entries, TransactionEntry{
			Hash:      tx.TransactionHash,
			BlockTime: tx.BlockTime.Time,
		})
	}
	return entries
}

func responseToHistory(resp *historyResponse) *History {
	h := &History{Transactions: responseToEntries(resp.Transactions)}
	if resp.Plan != nil && resp.Plan.PlanType != "" {
		h.Plan = &SubscriptionRecord{
			PlanType:  plan.Type(resp.Plan.PlanType),
			StartTime: resp.Plan.PlanStart.Time,
			EndTime:   resp.Plan.PlanEnd.Time,
		}
	}
	return h
}

// timestampLayouts are tried in order for string timestamps. Layouts without a
// zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Timestamp decodes the ledger's time fields, which arrive either as date
// strings or as unix epoch numbers. Numbers above 1e12 are taken as
// milliseconds. A string in no known layout decodes as the zero time so one
// odd entry does not fail the whole history.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		t.Time = parseTimestamp(s)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", string(data), err)
	}
	if n > 1e12 {
		t.Time = time.UnixMilli(int64(n)).UTC()
		return nil
	}
	sec, frac := math.Modf(n)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

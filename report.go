package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// balanceRecord is one account's last observed balance.
type balanceRecord struct {
	Quota     float64   `json:"quota"`
	UsedQuota float64   `json:"used_quota"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceStore persists per-account balances between runs so the report can
// show deltas, plus a short hash of the whole balance set that decides
// whether a run changed anything worth reporting.
type BalanceStore struct {
	Dir    string
	Logger Logger

	records map[string]balanceRecord
}

// NewBalanceStore loads the previous run's balances from the directory.
func NewBalanceStore(dir string, logger Logger) *BalanceStore {
	store := &BalanceStore{
		Dir:     dir,
		Logger:  logger,
		records: map[string]balanceRecord{},
	}
	data, err := os.ReadFile(store.dataPath())
	if err == nil {
		if err := json.Unmarshal(data, &store.records); err != nil {
			logger.Log("balance: corrupt %s, starting fresh: %v", store.dataPath(), err)
			store.records = map[string]balanceRecord{}
		}
	}
	return store
}

func (b *BalanceStore) dataPath() string {
	return filepath.Join(b.Dir, "balance_data.json")
}

func (b *BalanceStore) hashPath() string {
	return filepath.Join(b.Dir, "balance_hash.txt")
}

func balanceKey(provider, account string) string {
	return provider + "/" + account
}

// Delta returns the change against the previous run, and whether a previous
// record existed.
func (b *BalanceStore) Delta(provider, account string, current BalanceInfo) (quotaDelta float64, known bool) {
	prev, ok := b.records[balanceKey(provider, account)]
	if !ok {
		return 0, false
	}
	return current.Quota - prev.Quota, true
}

// Record stores the balance observed this run.
func (b *BalanceStore) Record(provider, account string, current BalanceInfo) {
	b.records[balanceKey(provider, account)] = balanceRecord{
		Quota:     current.Quota,
		UsedQuota: current.UsedQuota,
		UpdatedAt: time.Now(),
	}
}

// Flush writes the balance data and returns whether the balance set changed
// since the last run, judged by the persisted short hash.
func (b *BalanceStore) Flush() (changed bool) {
	data, err := json.MarshalIndent(b.records, "", "  ")
	if err != nil {
		b.Logger.Log("balance: marshal failed: %v", err)
		return true
	}
	if err := os.MkdirAll(b.Dir, 0755); err != nil {
		b.Logger.Log("balance: mkdir failed: %v", err)
		return true
	}
	if err := os.WriteFile(b.dataPath(), data, 0644); err != nil {
		b.Logger.Log("balance: write failed: %v", err)
	}

	hash := balanceHash(b.records)
	prev, _ := os.ReadFile(b.hashPath())
	changed = strings.TrimSpace(string(prev)) != hash
	if err := os.WriteFile(b.hashPath(), []byte(hash+"\n"), 0644); err != nil {
		b.Logger.Log("balance: hash write failed: %v", err)
	}
	return changed
}

// balanceHash derives a short stable hash over the balance set, ignoring
// timestamps so an unchanged balance hashes identically across runs.
func balanceHash(records map[string]balanceRecord) string {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		r := records[k]
		fmt.Fprintf(h, "%s:%.6f:%.6f\n", k, r.Quota, r.UsedQuota)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// BuildReport renders the batch outcome: one status line per account, then a
// per-provider summary and an overall line.
func BuildReport(results []*AuthResult, store *BalanceStore) string {
	var sb strings.Builder
	sb.WriteString("=== Session Re-authentication Report ===\n")
	sb.WriteString(time.Now().Format("2006-01-02 15:04:05") + "\n\n")

	type tally struct{ ok, failed int }
	perProvider := map[string]*tally{}
	var providerNames []string

	for _, r := range results {
		t, ok := perProvider[r.Provider]
		if !ok {
			t = &tally{}
			perProvider[r.Provider] = t
			providerNames = append(providerNames, r.Provider)
		}

		status := "FAIL"
		if r.Success {
			status = "OK"
			t.ok++
		} else {
			t.failed++
		}
		sb.WriteString(fmt.Sprintf("[%s] %s/%s (%s): %s\n", status, r.Provider, r.AccountName, r.Method, describeResult(r)))

		if r.Balance != nil {
			line := fmt.Sprintf("       balance $%.2f (used $%.2f)", r.Balance.Quota, r.Balance.UsedQuota)
			if store != nil {
				if delta, known := store.Delta(r.Provider, r.AccountName, *r.Balance); known && delta != 0 {
					line += fmt.Sprintf(", %+.2f since last run", delta)
				}
				store.Record(r.Provider, r.AccountName, *r.Balance)
			}
			sb.WriteString(line + "\n")
		}
	}

	sb.WriteString("\n")
	sort.Strings(providerNames)
	totalOK, totalFailed := 0, 0
	for _, name := range providerNames {
		t := perProvider[name]
		totalOK += t.ok
		totalFailed += t.failed
		sb.WriteString(fmt.Sprintf("%s: %d succeeded, %d failed\n", name, t.ok, t.failed))
	}
	sb.WriteString(fmt.Sprintf("overall: %d/%d accounts authenticated\n", totalOK, totalOK+totalFailed))
	return sb.String()
}

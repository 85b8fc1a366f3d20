package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validGovernance = `
QuoteCurrency = 9
PortfolioHaircut = 1100000000000000000
MaxPositions = 20
AdminAccount = "5452cf08-3add-49b5-bf27-e7a0a0f46c83"
ReserveAccount = "9b1217d9-a1a2-41e9-91fa-0292e9a31e0e"

[[Currencies]]
ID = 1
Symbol = "USC"
Haircut = 1500000000000000000
SettlementDiscount = 1000000000000000000
LiquidationDiscount = 1050000000000000000
OracleRate = 1000000000000000000

[[Groups]]
ID = 1
Currency = 1
NumPeriods = 4
PeriodSize = 2592000
RateScalar = 100
RateAnchor = 1050000000
LiquidityFee = 0
TransactionFee = 0
`

func writeGovernance(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "governance.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write governance file: %v", err)
	}
	return path
}

func TestLoadGovernance(t *testing.T) {
	gov, err := LoadGovernance(writeGovernance(t, validGovernance))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if gov.QuoteCurrency != 9 {
		t.Fatalf("quote currency = %d", gov.QuoteCurrency)
	}
	if len(gov.Currencies) != 1 || gov.Currencies[0].Symbol != "USC" {
		t.Fatalf("currencies = %+v", gov.Currencies)
	}
	if len(gov.Groups) != 1 || gov.Groups[0].RateScalar != 100 {
		t.Fatalf("groups = %+v", gov.Groups)
	}
}

func TestLoadGovernance_UnknownKey(t *testing.T) {
	content := validGovernance + "\nBogusKey = 1\n"
	if _, err := LoadGovernance(writeGovernance(t, content)); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestLoadGovernance_UnlistedGroupCurrency(t *testing.T) {
	content := strings.Replace(validGovernance, "Currency = 1", "Currency = 7", 1)
	if _, err := LoadGovernance(writeGovernance(t, content)); err == nil {
		t.Fatal("unlisted group currency accepted")
	}
}

func TestLoadGovernance_MissingOracleRate(t *testing.T) {
	content := strings.Replace(validGovernance, "OracleRate = 1000000000000000000\n", "", 1)
	if _, err := LoadGovernance(writeGovernance(t, content)); err == nil {
		t.Fatal("currency without oracle rate accepted")
	}
}

func TestLoadGovernance_DuplicateGroup(t *testing.T) {
	dup := strings.Index(validGovernance, "[[Groups]]")
	content := validGovernance + validGovernance[dup:]
	if _, err := LoadGovernance(writeGovernance(t, content)); err == nil {
		t.Fatal("duplicate group accepted")
	}
}

func TestLoadService_EnvOverride(t *testing.T) {
	t.Setenv("FC_HTTP_ADDR", ":18080")
	t.Setenv("FC_PERSIST_BATCH_SIZE", "7")

	svc := LoadService()
	if svc.HTTPAddr != ":18080" {
		t.Fatalf("http addr = %s", svc.HTTPAddr)
	}
	if svc.PersistBatchSize != 7 {
		t.Fatalf("batch size = %d", svc.PersistBatchSize)
	}
	if svc.NATSURL == "" {
		t.Fatal("missing default nats url")
	}
}

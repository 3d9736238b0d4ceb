package market

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestCreate_DefaultPrices(t *testing.T) {
	svc := NewService(store.NewMemoryStore())

	m, err := svc.Create(context.Background(), CreateRequest{
		Question:  "  Will it rain tomorrow?  ",
		CreatedBy: "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.PriceYes.Equal(DefaultPrice) || !m.PriceNo.Equal(DefaultPrice) {
		t.Errorf("expected 0.5/0.5, got %s/%s", m.PriceYes, m.PriceNo)
	}
	if m.Question != "Will it rain tomorrow?" {
		t.Errorf("expected trimmed question, got %q", m.Question)
	}
	if m.IsResolved || m.FinalOutcome != model.OutcomeUnset || m.ID == "" {
		t.Errorf("unexpected new market %+v", m)
	}
}

func TestCreate_PriceDerivation(t *testing.T) {
	tests := []struct {
		name    string
		yes, no *decimal.Decimal
		wantYes string
		wantNo  string
		wantErr error
	}{
		{"yes only", dp("0.4"), nil, "0.4", "0.6", nil},
		{"no only", nil, dp("0.25"), "0.75", "0.25", nil},
		{"both", dp("0.3"), dp("0.7"), "0.3", "0.7", nil},
		{"sum not one", dp("0.3"), dp("0.6"), "", "", model.ErrInvalidPrice},
		{"zero", dp("0"), nil, "", "", model.ErrInvalidPrice},
		{"one", dp("1"), nil, "", "", model.ErrInvalidPrice},
		{"negative", nil, dp("-0.1"), "", "", model.ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(store.NewMemoryStore())
			m, err := svc.Create(context.Background(), CreateRequest{
				Question:  "q",
				CreatedBy: "alice",
				PriceYes:  tt.yes,
				PriceNo:   tt.no,
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.PriceYes.String() != tt.wantYes || m.PriceNo.String() != tt.wantNo {
				t.Errorf("expected %s/%s, got %s/%s", tt.wantYes, tt.wantNo, m.PriceYes, m.PriceNo)
			}
		})
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Question: " ", CreatedBy: "a"}); !errors.Is(err, model.ErrQuestionRequired) {
		t.Errorf("expected ErrQuestionRequired, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Question: "q"}); !errors.Is(err, model.ErrUserRequired) {
		t.Errorf("expected ErrUserRequired, got %v", err)
	}
}

func TestGetAndList(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	ctx := context.Background()

	m, _ := svc.Create(ctx, CreateRequest{Question: "q", CreatedBy: "a"})

	got, err := svc.Get(ctx, m.ID)
	if err != nil || got.ID != m.ID {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}

	resolved := true
	list, err := svc.List(ctx, &resolved)
	if err != nil {
		t.Fatal(err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("expected empty resolved list, got %v", list)
	}
	all, _ := svc.List(ctx, nil)
	if len(all) != 1 {
		t.Errorf("expected 1 market, got %d", len(all))
	}

	if _, err := svc.Trades(ctx, "missing"); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
	trades, _ := svc.Trades(ctx, m.ID)
	if trades == nil || len(trades) != 0 {
		t.Errorf("expected empty trades, got %v", trades)
	}
}

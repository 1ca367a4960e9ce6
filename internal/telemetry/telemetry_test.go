package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/ledger/storetest"
)

func TestDisabledReturnsStoreUnchanged(t *testing.T) {
	if err := Init(context.Background(), Settings{}, "stagegate", "test"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	s := ledger.NewMemoryStore()
	if got := WrapStore(s); got != ledger.Store(s) {
		t.Errorf("WrapStore returned %T, want the original store", got)
	}
}

func TestInstrumentedStoreConformance(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()
	if err := Init(ctx, Settings{Enabled: true, Output: &out}, "stagegate", "test"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Shutdown(ctx)

	storetest.Run(t, storetest.Factory{
		New: func(t *testing.T) ledger.Store {
			s := WrapStore(ledger.NewMemoryStore())
			if _, ok := s.(*InstrumentedStore); !ok {
				t.Fatalf("WrapStore returned %T, want *InstrumentedStore", s)
			}
			return s
		},
	})

	Shutdown(ctx)
	if !bytes.Contains(out.Bytes(), []byte("ledger.Append")) {
		t.Error("expected ledger.Append spans in exporter output")
	}
}

package gateway

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/Nikunj-TUM/tyke/internal/config"
	"github.com/Nikunj-TUM/tyke/internal/database"
	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/status"
	"github.com/Nikunj-TUM/tyke/internal/whatsapp"

	"github.com/rs/zerolog"
)

var nopLog = zerolog.New(io.Discard)

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, status.Event) {}

type fakeResetter struct {
	calls int
	err   error
}

func (f *fakeResetter) ResetDailyCounts(context.Context) (int64, error) {
	f.calls++
	return 3, f.err
}

func TestNewCounterSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 0 * * *", false},
		{"*/15 * * * *", false},
		{"0 0 0 * * *", true},
		{"tomorrow", true},
	}
	for _, tt := range tests {
		c, err := newCounterSchedule(tt.expr, &fakeResetter{}, nopLog)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
		if err == nil && len(c.Entries()) != 1 {
			t.Errorf("%q: %d entries, want 1", tt.expr, len(c.Entries()))
		}
	}
}

func TestResetCountersReportsErrors(t *testing.T) {
	r := &fakeResetter{}
	if n, err := resetCounters(context.Background(), r, nopLog); err != nil || n != 3 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	r.err = errors.New("locked")
	if _, err := resetCounters(context.Background(), r, nopLog); err == nil {
		t.Fatal("error swallowed")
	}
	if r.calls != 2 {
		t.Fatalf("calls = %d", r.calls)
	}
}

func TestResetCountersCommand(t *testing.T) {
	cfg := &config.Config{Database: config.Database{Type: "sqlite", Path: filepath.Join(t.TempDir(), "tyke.db")}}

	db, err := openDB(cfg, nopLog)
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	for _, inst := range []*models.WhatsAppInstance{
		{OrganizationID: 1, Name: "a", IsActive: true, MessagesSentToday: 12, DailyMessageLimit: 100},
		{OrganizationID: 1, Name: "b", IsActive: true, MessagesSentToday: 4, DailyMessageLimit: 100},
	} {
		if err := db.Create(inst).Error; err != nil {
			t.Fatal(err)
		}
	}
	database.Close(db)

	n, err := ResetCounters(context.Background(), cfg, nopLog)
	if err != nil {
		t.Fatalf("ResetCounters: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d instances, want 2", n)
	}

	db, err = openDB(cfg, nopLog)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close(db)
	var total int64
	if err := db.Model(&models.WhatsAppInstance{}).Select("COALESCE(SUM(messages_sent_today), 0)").Scan(&total).Error; err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Fatalf("messages_sent_today sum = %d after reset", total)
	}
}

func TestConsumerOptions(t *testing.T) {
	store := whatsapp.NewInstanceStore(nil)
	reg := whatsapp.NewRegistry()

	multi := &config.Config{Mode: config.ModeMulti, DefaultCountryCode: "91", SendRatePerSecond: 2}
	opts := consumerOptions(multi, reg, nopEmitter{}, store, nopLog)
	if opts.Counter == nil || opts.Quota == nil {
		t.Error("multi mode should persist counters and enforce quota")
	}
	if opts.Limiter == nil {
		t.Error("positive send rate should install a limiter")
	}
	if opts.SingleSession || opts.CountryCode != "91" {
		t.Errorf("opts = %+v", opts)
	}

	single := &config.Config{Mode: config.ModeSingle}
	opts = consumerOptions(single, reg, nopEmitter{}, store, nopLog)
	if opts.Counter != nil || opts.Quota != nil || opts.Limiter != nil {
		t.Errorf("single mode with no rate: counter=%v quota=%v limiter=%v", opts.Counter, opts.Quota, opts.Limiter)
	}
	if !opts.SingleSession {
		t.Error("single mode not propagated")
	}
}

func TestNewAlertSink(t *testing.T) {
	if newAlertSink(&config.Config{}, nopLog) != nil {
		t.Error("no recipients should disable alerts")
	}
	if newAlertSink(&config.Config{AlertEmailTo: "ops@example.com"}, nopLog) == nil {
		t.Error("recipients without SMTP credentials should still log alerts")
	}
}

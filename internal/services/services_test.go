package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// :memory: is per-connection.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.WhatsAppInstance{}, &models.WhatsAppMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func createInstance(t *testing.T, svc *InstanceService, name string, active bool, createdAt time.Time) *models.WhatsAppInstance {
	t.Helper()
	inst := &models.WhatsAppInstance{
		OrganizationID: 1,
		Name:           name,
		IsActive:       true,
		CreatedAt:      createdAt,
	}
	if err := svc.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	// default:true on the column swallows an explicit false on insert.
	if !active {
		if err := svc.SetActive(context.Background(), inst.ID, false); err != nil {
			t.Fatalf("deactivate %s: %v", name, err)
		}
	}
	return inst
}

// --- InstanceService ---

func TestActiveInstances_FiltersAndOrders(t *testing.T) {
	svc := NewInstanceService(openTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	newer := createInstance(t, svc, "newer", true, base.Add(2*time.Hour))
	createInstance(t, svc, "inactive", false, base.Add(time.Hour))
	older := createInstance(t, svc, "older", true, base)

	got, err := svc.ActiveInstances(context.Background())
	if err != nil {
		t.Fatalf("ActiveInstances: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d instances, want 2", len(got))
	}
	if got[0].ID != older.ID || got[1].ID != newer.ID {
		t.Errorf("order = [%d %d], want [%d %d]", got[0].ID, got[1].ID, older.ID, newer.ID)
	}

	all, err := svc.ListInstances(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListInstances = %d rows, want 3", len(all))
	}
}

func TestCreateInstance_Validation(t *testing.T) {
	svc := NewInstanceService(openTestDB(t))
	ctx := context.Background()

	if err := svc.CreateInstance(ctx, &models.WhatsAppInstance{OrganizationID: 1}); !errors.Is(err, ErrInvalidInstance) {
		t.Errorf("missing name err = %v, want ErrInvalidInstance", err)
	}
	if err := svc.CreateInstance(ctx, &models.WhatsAppInstance{Name: "x"}); !errors.Is(err, ErrInvalidInstance) {
		t.Errorf("missing organization err = %v, want ErrInvalidInstance", err)
	}

	inst := &models.WhatsAppInstance{OrganizationID: 1, Name: "  sales  "}
	if err := svc.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.Name != "sales" {
		t.Errorf("Name = %q, want trimmed", inst.Name)
	}
	if inst.DailyMessageLimit != models.DefaultDailyMessageLimit {
		t.Errorf("DailyMessageLimit = %d", inst.DailyMessageLimit)
	}
}

func TestLifecycleWrites(t *testing.T) {
	svc := NewInstanceService(openTestDB(t))
	ctx := context.Background()
	inst := createInstance(t, svc, "a", true, time.Now())
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := svc.MarkQR(ctx, inst.ID, "2@qr", now.Add(5*time.Minute)); err != nil {
		t.Fatalf("MarkQR: %v", err)
	}
	got, _ := svc.GetInstance(ctx, inst.ID)
	if got.QRCode != "2@qr" || got.IsAuthenticated || got.QRExpired(now) {
		t.Errorf("after MarkQR: qr=%q auth=%v expired=%v", got.QRCode, got.IsAuthenticated, got.QRExpired(now))
	}

	info := models.ClientInfo{Address: "919876543210@s.whatsapp.net", DisplayName: "Sales", Platform: "android"}
	if err := svc.MarkReady(ctx, inst.ID, info, "919876543210:4@s.whatsapp.net", now); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	got, _ = svc.GetInstance(ctx, inst.ID)
	if !got.IsAuthenticated || got.QRCode != "" || got.QRExpiresAt != nil {
		t.Errorf("after MarkReady: auth=%v qr=%q expires=%v", got.IsAuthenticated, got.QRCode, got.QRExpiresAt)
	}
	if got.ClientInfo == nil || *got.ClientInfo != info {
		t.Errorf("ClientInfo = %+v, want %+v", got.ClientInfo, info)
	}
	if got.DeviceJID != "919876543210:4@s.whatsapp.net" {
		t.Errorf("DeviceJID = %q", got.DeviceJID)
	}
	if got.LastConnectedAt == nil || !got.LastConnectedAt.Equal(now) {
		t.Errorf("LastConnectedAt = %v", got.LastConnectedAt)
	}

	if err := svc.MarkDisconnected(ctx, inst.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}
	got, _ = svc.GetInstance(ctx, inst.ID)
	if got.IsAuthenticated || got.LastDisconnectedAt == nil {
		t.Errorf("after MarkDisconnected: auth=%v last=%v", got.IsAuthenticated, got.LastDisconnectedAt)
	}
	if got.DeviceJID == "" {
		t.Error("MarkDisconnected must keep the device JID for resume")
	}

	if err := svc.ClearDevice(ctx, inst.ID); err != nil {
		t.Fatalf("ClearDevice: %v", err)
	}
	got, _ = svc.GetInstance(ctx, inst.ID)
	if got.DeviceJID != "" {
		t.Errorf("DeviceJID after ClearDevice = %q", got.DeviceJID)
	}
}

func TestClearQR_KeepsAuthState(t *testing.T) {
	svc := NewInstanceService(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	pending := createInstance(t, svc, "pending", true, now)
	if err := svc.MarkQR(ctx, pending.ID, "2@qr", now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkQR: %v", err)
	}
	if err := svc.ClearQR(ctx, pending.ID); err != nil {
		t.Fatalf("ClearQR: %v", err)
	}
	got, _ := svc.GetInstance(ctx, pending.ID)
	if got.QRCode != "" || got.QRExpiresAt != nil || got.IsAuthenticated {
		t.Errorf("after ClearQR: qr=%q expires=%v auth=%v", got.QRCode, got.QRExpiresAt, got.IsAuthenticated)
	}

	ready := createInstance(t, svc, "ready", true, now)
	if err := svc.MarkReady(ctx, ready.ID, models.ClientInfo{}, "", now); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if err := svc.ClearQR(ctx, ready.ID); err != nil {
		t.Fatalf("ClearQR: %v", err)
	}
	if got, _ := svc.GetInstance(ctx, ready.ID); !got.IsAuthenticated {
		t.Error("ClearQR changed is_authenticated")
	}
	if err := svc.ClearQR(ctx, 99); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("ClearQR unknown err = %v", err)
	}
}

func TestLifecycleWrites_UnknownInstance(t *testing.T) {
	svc := NewInstanceService(openTestDB(t))
	ctx := context.Background()
	if err := svc.MarkQR(ctx, 99, "x", time.Now()); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("MarkQR err = %v, want ErrInstanceNotFound", err)
	}
	if _, err := svc.GetInstance(ctx, 99); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("GetInstance err = %v, want ErrInstanceNotFound", err)
	}
}

func TestMessageCountersAndLimit(t *testing.T) {
	svc := NewInstanceService(openTestDB(t))
	ctx := context.Background()
	inst := &models.WhatsAppInstance{OrganizationID: 1, Name: "limited", DailyMessageLimit: 2}
	if err := svc.CreateInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	other := createInstance(t, svc, "other", true, time.Now())

	for i := 0; i < 2; i++ {
		ok, err := svc.CheckMessageLimit(ctx, inst.ID)
		if err != nil || !ok {
			t.Fatalf("CheckMessageLimit #%d = %v, %v", i, ok, err)
		}
		if err := svc.IncrementMessageCount(ctx, inst.ID, time.Now()); err != nil {
			t.Fatalf("IncrementMessageCount: %v", err)
		}
	}
	ok, err := svc.CheckMessageLimit(ctx, inst.ID)
	if err != nil || ok {
		t.Fatalf("CheckMessageLimit at limit = %v, %v; want false", ok, err)
	}
	got, _ := svc.GetInstance(ctx, inst.ID)
	if got.MessagesSentToday != 2 || got.LastMessageSentAt == nil {
		t.Errorf("counter = %d last = %v", got.MessagesSentToday, got.LastMessageSentAt)
	}

	n, err := svc.ResetDailyCounts(ctx)
	if err != nil {
		t.Fatalf("ResetDailyCounts: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d rows, want 1 (untouched instance %d skipped)", n, other.ID)
	}
	ok, _ = svc.CheckMessageLimit(ctx, inst.ID)
	if !ok {
		t.Error("limit should be available after reset")
	}
}

// --- MessageLogService ---

func TestMessageLog(t *testing.T) {
	svc := NewMessageLogService(openTestDB(t))
	ctx := context.Background()

	if err := svc.RecordQueued(ctx, &models.WhatsAppMessage{PhoneNumber: "1", Message: "x"}); err == nil {
		t.Error("expected error for missing message id")
	}

	instID := uint(3)
	msg := &models.WhatsAppMessage{
		MessageID:          "m-1",
		OrganizationID:     1,
		WhatsAppInstanceID: &instID,
		PhoneNumber:        "9876543210",
		Message:            "hello",
		SentBy:             "admin",
	}
	if err := svc.RecordQueued(ctx, msg); err != nil {
		t.Fatalf("RecordQueued: %v", err)
	}
	got, err := svc.GetMessage(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != models.MessageQueued || got.Direction != models.DirectionOutbound {
		t.Errorf("status=%q direction=%q", got.Status, got.Direction)
	}

	sentAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := svc.MarkSent(ctx, "m-1", sentAt); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	got, _ = svc.GetMessage(ctx, "m-1")
	if got.Status != models.MessageSent || got.SentAt == nil || !got.SentAt.Equal(sentAt) {
		t.Errorf("after MarkSent: status=%q sent_at=%v", got.Status, got.SentAt)
	}

	if err := svc.MarkFailed(ctx, "m-1", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ = svc.GetMessage(ctx, "m-1")
	if got.Status != models.MessageFailed || got.ErrorMessage != "boom" {
		t.Errorf("after MarkFailed: status=%q error=%q", got.Status, got.ErrorMessage)
	}

	if err := svc.MarkSent(ctx, "missing", sentAt); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("MarkSent unknown = %v, want ErrMessageNotFound", err)
	}
	if _, err := svc.GetMessage(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("GetMessage unknown = %v, want ErrMessageNotFound", err)
	}
}

func TestListMessages_FiltersAndPages(t *testing.T) {
	svc := NewMessageLogService(openTestDB(t))
	ctx := context.Background()
	one, two := uint(1), uint(2)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := []struct {
		id       string
		org      uint
		instance *uint
	}{
		{"a", 1, &one},
		{"b", 1, &two},
		{"c", 2, &one},
		{"d", 1, &one},
	}
	for i, r := range rows {
		msg := &models.WhatsAppMessage{
			MessageID:          r.id,
			OrganizationID:     r.org,
			WhatsAppInstanceID: r.instance,
			PhoneNumber:        "1",
			Message:            "x",
			CreatedAt:          base.Add(time.Duration(i) * time.Minute),
		}
		if err := svc.RecordQueued(ctx, msg); err != nil {
			t.Fatalf("RecordQueued %s: %v", r.id, err)
		}
	}
	if err := svc.MarkFailed(ctx, "d", "boom"); err != nil {
		t.Fatal(err)
	}

	ids := func(msgs []models.WhatsAppMessage) string {
		out := ""
		for _, m := range msgs {
			out += m.MessageID
		}
		return out
	}
	tests := []struct {
		name   string
		filter MessageFilter
		want   string
	}{
		{"all newest first", MessageFilter{}, "dcba"},
		{"organization", MessageFilter{OrganizationID: 1}, "dba"},
		{"instance", MessageFilter{InstanceID: 1}, "dca"},
		{"status", MessageFilter{Status: models.MessageFailed}, "d"},
		{"page", MessageFilter{Limit: 2, Offset: 1}, "cb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := svc.ListMessages(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if got := ids(msgs); got != tt.want {
				t.Errorf("ids = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- AuthService ---

func TestAuthService_LoginAndValidate(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	as := NewAuthService("test-secret", "admin", hash, time.Hour)

	if _, err := as.Login("admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password err = %v", err)
	}
	if _, err := as.Login("root", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong username err = %v", err)
	}

	token, err := as.Login("admin", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := as.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "admin" || claims.Role != "operator" {
		t.Errorf("claims = %+v", claims)
	}

	other := NewAuthService("other-secret", "admin", hash, time.Hour)
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("token signed with another secret must not validate")
	}
}

func TestAuthService_Expiry(t *testing.T) {
	as := NewAuthService("test-secret", "admin", "", time.Minute)
	issued := time.Now().Add(-time.Hour)
	as.now = func() time.Time { return issued }
	token, err := as.GenerateToken("cli")
	if err != nil {
		t.Fatal(err)
	}
	as.now = time.Now
	if _, err := as.ValidateToken(token); err == nil {
		t.Error("expired token must not validate")
	}
}

func TestAuthService_Disabled(t *testing.T) {
	as := NewAuthService("", "admin", "", 0)
	if as.Enabled() {
		t.Error("Enabled() with empty secret")
	}
	if _, err := as.Login("admin", "x"); !errors.Is(err, ErrAuthNotConfigured) {
		t.Errorf("Login err = %v", err)
	}
	if _, err := as.ValidateToken("x"); !errors.Is(err, ErrAuthNotConfigured) {
		t.Errorf("ValidateToken err = %v", err)
	}
}

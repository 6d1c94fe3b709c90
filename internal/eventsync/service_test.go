package eventsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/hitoshi/calsync/internal/auth"
	"github.com/hitoshi/calsync/internal/metrics"
	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/security"
)

// --- モック定義 ---

type mockCredentialLoader struct {
	loadFn func(ctx context.Context) (model.Credential, error)
	calls  int
}

func (m *mockCredentialLoader) LoadValidCredential(ctx context.Context) (model.Credential, error) {
	m.calls++
	if m.loadFn != nil {
		return m.loadFn(ctx)
	}
	return model.Credential{AccessToken: "valid"}, nil
}

type mockFetcher struct {
	fetchFn func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error)
	calls   int
	queries []model.EventQuery
}

func (m *mockFetcher) FetchEvents(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
	m.calls++
	m.queries = append(m.queries, query)
	if m.fetchFn != nil {
		return m.fetchFn(ctx, cred, query)
	}
	return nil, nil
}

// memoryEventRepo はバッチ単位で全件成功か全件失敗かを再現するインメモリのEventRepository。
type memoryEventRepo struct {
	mu      sync.Mutex
	events  map[string]model.CalendarEvent
	failOn  string
	batches int
}

func newMemoryEventRepo() *memoryEventRepo {
	return &memoryEventRepo{events: map[string]model.CalendarEvent{}}
}

func (r *memoryEventRepo) UpsertBatch(ctx context.Context, events []model.CalendarEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++

	staged := make(map[string]model.CalendarEvent, len(events))
	for _, ev := range events {
		if ev.EventID == r.failOn {
			return model.NewStorageError("Failed to insert events", fmt.Errorf("constraint violated by %s", ev.EventID))
		}
		staged[ev.EventID] = ev
	}
	for id, ev := range staged {
		r.events[id] = ev
	}
	return nil
}

func (r *memoryEventRepo) FindByEventID(ctx context.Context, eventID string) (*model.CalendarEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (r *memoryEventRepo) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func remoteEvents(n int) []model.RemoteEvent {
	events := make([]model.RemoteEvent, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, model.RemoteEvent{
			ID:      fmt.Sprintf("evt-%d", i),
			Summary: fmt.Sprintf("Event %d", i),
			Start:   model.EventTime{DateTime: "2024-01-02T09:00:00Z"},
			End:     model.EventTime{DateTime: "2024-01-02T10:00:00Z"},
		})
	}
	return events
}

func strPtr(s string) *string { return &s }

func newTestService(creds CredentialLoader, fetcher *mockFetcher, repo *memoryEventRepo) *Service {
	svc := NewService(creds, fetcher, repo, security.NewDescriptionSanitizer(), nil, discardLogger())
	svc.newID = func() string { return "sync-1" }
	return svc
}

// --- テスト ---

func TestSyncEvents_SyncsAllEvents(t *testing.T) {
	fetcher := &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		return remoteEvents(3), nil
	}}
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, fetcher, repo)

	result, err := svc.SyncEvents(context.Background(), model.SyncRequest{})
	if err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}
	if result.Message != "Synced 3 events" {
		t.Errorf("Message = %q, want %q", result.Message, "Synced 3 events")
	}
	if result.SyncID != "sync-1" {
		t.Errorf("SyncID = %q, want %q", result.SyncID, "sync-1")
	}
	if count, _ := repo.Count(context.Background()); count != 3 {
		t.Errorf("stored events = %d, want 3", count)
	}
}

func TestSyncEvents_DefaultCalendar(t *testing.T) {
	fetcher := &mockFetcher{}
	svc := newTestService(&mockCredentialLoader{}, fetcher, newMemoryEventRepo())

	if _, err := svc.SyncEvents(context.Background(), model.SyncRequest{}); err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}
	if len(fetcher.queries) != 1 {
		t.Fatalf("fetch calls = %d, want 1", len(fetcher.queries))
	}
	if got := fetcher.queries[0].CalendarID; got != "primary" {
		t.Errorf("CalendarID = %q, want %q", got, "primary")
	}
}

func TestSyncEvents_PassesTimeBoundsThrough(t *testing.T) {
	fetcher := &mockFetcher{}
	svc := newTestService(&mockCredentialLoader{}, fetcher, newMemoryEventRepo())

	_, err := svc.SyncEvents(context.Background(), model.SyncRequest{
		CalendarID: strPtr("team@example.com"),
		TimeMin:    strPtr("2024-01-01T00:00:00+09:00"),
		TimeMax:    strPtr("2024-01-31T00:00:00Z"),
	})
	if err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}

	want := model.EventQuery{
		CalendarID: "team@example.com",
		TimeMin:    "2024-01-01T00:00:00+09:00",
		TimeMax:    "2024-01-31T00:00:00Z",
	}
	if got := fetcher.queries[0]; got != want {
		t.Errorf("query = %+v, want %+v", got, want)
	}
}

func TestSyncEvents_EqualTimeBoundsReachProvider(t *testing.T) {
	fetcher := &mockFetcher{}
	svc := newTestService(&mockCredentialLoader{}, fetcher, newMemoryEventRepo())

	_, err := svc.SyncEvents(context.Background(), model.SyncRequest{
		TimeMin: strPtr("2024-01-01T00:00:00Z"),
		TimeMax: strPtr("2024-01-01T00:00:00Z"),
	})
	if err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}
}

func TestSyncEvents_NoEvents(t *testing.T) {
	fetcher := &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		return []model.RemoteEvent{}, nil
	}}
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, fetcher, repo)

	result, err := svc.SyncEvents(context.Background(), model.SyncRequest{})
	if err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}
	if result.Message != "No events found" {
		t.Errorf("Message = %q, want %q", result.Message, "No events found")
	}
	if repo.batches != 0 {
		t.Errorf("UpsertBatch calls = %d, want 0", repo.batches)
	}
}

func TestSyncEvents_ValidationBoundary(t *testing.T) {
	tests := []struct {
		name string
		req  model.SyncRequest
	}{
		{"timeMinが日時ではない", model.SyncRequest{TimeMin: strPtr("not-a-date")}},
		{"timeMaxが日時ではない", model.SyncRequest{TimeMax: strPtr("2024-13-45")}},
		{"calendarIdが空文字", model.SyncRequest{CalendarID: strPtr("")}},
		{"timeMinが日付のみ", model.SyncRequest{TimeMin: strPtr("2024-01-01")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &mockCredentialLoader{}
			fetcher := &mockFetcher{}
			repo := newMemoryEventRepo()
			svc := newTestService(creds, fetcher, repo)

			_, err := svc.SyncEvents(context.Background(), tt.req)
			if kind := model.KindOf(err); kind != model.KindValidation {
				t.Errorf("KindOf(err) = %q, want %q", kind, model.KindValidation)
			}
			if creds.calls != 0 || fetcher.calls != 0 || repo.batches != 0 {
				t.Errorf("calls = (creds %d, fetch %d, upsert %d), want all 0", creds.calls, fetcher.calls, repo.batches)
			}
		})
	}
}

func TestSyncEvents_CredentialErrorPropagates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"未認証", model.NewNotFoundError("No OAuth tokens found"), model.KindNotFound},
		{"リフレッシュ拒否", model.NewAuthError("Failed to refresh access token", errors.New("invalid_grant")), model.KindAuth},
		{"DB接続不可", model.NewConnectionError(errors.New("refused")), model.KindConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &mockFetcher{}
			svc := newTestService(&mockCredentialLoader{loadFn: func(ctx context.Context) (model.Credential, error) {
				return model.Credential{}, tt.err
			}}, fetcher, newMemoryEventRepo())

			_, err := svc.SyncEvents(context.Background(), model.SyncRequest{})
			if kind := model.KindOf(err); kind != tt.want {
				t.Errorf("KindOf(err) = %q, want %q", kind, tt.want)
			}
			if fetcher.calls != 0 {
				t.Errorf("fetch calls = %d, want 0", fetcher.calls)
			}
		})
	}
}

func TestSyncEvents_FetchError(t *testing.T) {
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		return nil, model.NewExternalAPIError("Google API error: Not Found", errors.New("404"))
	}}, repo)

	_, err := svc.SyncEvents(context.Background(), model.SyncRequest{})
	if kind := model.KindOf(err); kind != model.KindExternalAPI {
		t.Errorf("KindOf(err) = %q, want %q", kind, model.KindExternalAPI)
	}
	if repo.batches != 0 {
		t.Errorf("UpsertBatch calls = %d, want 0", repo.batches)
	}
}

// 1件でも保存に失敗した場合、そのバッチのイベントは1件も残らない
func TestSyncEvents_AllOrNothing(t *testing.T) {
	repo := newMemoryEventRepo()
	repo.failOn = "evt-2"
	svc := newTestService(&mockCredentialLoader{}, &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		return remoteEvents(3), nil
	}}, repo)

	_, err := svc.SyncEvents(context.Background(), model.SyncRequest{})
	if kind := model.KindOf(err); kind != model.KindStorage {
		t.Errorf("KindOf(err) = %q, want %q", kind, model.KindStorage)
	}
	if count, _ := repo.Count(context.Background()); count != 0 {
		t.Errorf("stored events = %d, want 0", count)
	}
}

func TestSyncEvents_MalformedEventTimeRejectedBeforeWrite(t *testing.T) {
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		events := remoteEvents(2)
		events[1].Start = model.EventTime{DateTime: "yesterday"}
		return events, nil
	}}, repo)

	_, err := svc.SyncEvents(context.Background(), model.SyncRequest{})
	if kind := model.KindOf(err); kind != model.KindExternalAPI {
		t.Errorf("KindOf(err) = %q, want %q", kind, model.KindExternalAPI)
	}
	if repo.batches != 0 {
		t.Errorf("UpsertBatch calls = %d, want 0", repo.batches)
	}
}

// 同じイベントを2回同期しても重複せず、内容が更新される
func TestSyncEvents_Idempotent(t *testing.T) {
	summary := "Original"
	fetcher := &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		events := remoteEvents(2)
		events[0].Summary = summary
		return events, nil
	}}
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, fetcher, repo)

	if _, err := svc.SyncEvents(context.Background(), model.SyncRequest{}); err != nil {
		t.Fatalf("first SyncEvents() error = %v", err)
	}
	summary = "Renamed"
	if _, err := svc.SyncEvents(context.Background(), model.SyncRequest{}); err != nil {
		t.Fatalf("second SyncEvents() error = %v", err)
	}

	if count, _ := repo.Count(context.Background()); count != 2 {
		t.Errorf("stored events = %d, want 2", count)
	}
	ev, _ := repo.FindByEventID(context.Background(), "evt-1")
	if ev.Summary != "Renamed" {
		t.Errorf("Summary = %q, want %q", ev.Summary, "Renamed")
	}
}

func TestSyncEvents_SanitizesDescription(t *testing.T) {
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		events := remoteEvents(1)
		events[0].Description = `<b>Agenda</b><script>alert(1)</script>`
		return events, nil
	}}, repo)

	if _, err := svc.SyncEvents(context.Background(), model.SyncRequest{}); err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}
	ev, _ := repo.FindByEventID(context.Background(), "evt-1")
	if strings.Contains(ev.Description, "<script") {
		t.Errorf("Description = %q, want script removed", ev.Description)
	}
	if !strings.Contains(ev.Description, "<b>Agenda</b>") {
		t.Errorf("Description = %q, want formatting kept", ev.Description)
	}
}

func TestSyncEvents_PlainDescriptionStoredAsReceived(t *testing.T) {
	const description = `Tom & Jerry's review: Q&A, budget < 5k, "quoted"`
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		events := remoteEvents(1)
		events[0].Description = description
		return events, nil
	}}, repo)

	for i := 0; i < 2; i++ {
		if _, err := svc.SyncEvents(context.Background(), model.SyncRequest{}); err != nil {
			t.Fatalf("SyncEvents() #%d error = %v", i+1, err)
		}
		ev, _ := repo.FindByEventID(context.Background(), "evt-1")
		if ev == nil {
			t.Fatal("FindByEventID() = nil, want stored event")
		}
		if ev.Description != description {
			t.Errorf("sync #%d: Description = %q, want %q", i+1, ev.Description, description)
		}
	}
}

func TestSyncEvents_AllDayEventStoredAtUTCMidnight(t *testing.T) {
	repo := newMemoryEventRepo()
	svc := newTestService(&mockCredentialLoader{}, &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		return []model.RemoteEvent{{
			ID:    "holiday",
			Start: model.EventTime{Date: "2024-01-02"},
			End:   model.EventTime{Date: "2024-01-03"},
		}}, nil
	}}, repo)

	if _, err := svc.SyncEvents(context.Background(), model.SyncRequest{}); err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}
	ev, _ := repo.FindByEventID(context.Background(), "holiday")
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if ev.StartTime == nil || !ev.StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", ev.StartTime, want)
	}
	if ev.Summary != "" || ev.Description != "" {
		t.Errorf("Summary/Description = %q/%q, want empty", ev.Summary, ev.Description)
	}
}

func TestSyncEvents_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	repo := newMemoryEventRepo()
	svc := NewService(&mockCredentialLoader{}, &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
		return remoteEvents(2), nil
	}}, repo, security.NewDescriptionSanitizer(), collector, discardLogger())

	if _, err := svc.SyncEvents(context.Background(), model.SyncRequest{}); err != nil {
		t.Fatalf("SyncEvents() error = %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] += m.GetCounter().GetValue()
		}
	}
	if values["calsync_sync_success_total"] != 1 {
		t.Errorf("sync_success_total = %v, want 1", values["calsync_sync_success_total"])
	}
	if values["calsync_events_upserted_total"] != 2 {
		t.Errorf("events_upserted_total = %v, want 2", values["calsync_events_upserted_total"])
	}
}

// --- 認証サービスと組み合わせたシナリオ ---

type memoryCredentialRepo struct {
	mu   sync.Mutex
	cred *model.Credential
}

func (r *memoryCredentialRepo) Find(ctx context.Context) (*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cred == nil {
		return nil, nil
	}
	c := *r.cred
	return &c, nil
}

func (r *memoryCredentialRepo) Upsert(ctx context.Context, cred model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cred = &cred
	return nil
}

func (r *memoryCredentialRepo) UpdateRefreshed(ctx context.Context, cred model.Credential, prevExpiry time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cred == nil || !r.cred.ExpiryDate.Equal(prevExpiry) {
		return false, nil
	}
	r.cred = &cred
	return true, nil
}

type mockOAuthProvider struct {
	refreshFn func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

func (m *mockOAuthProvider) AuthURL() string { return "" }

func (m *mockOAuthProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return nil, errors.New("not implemented")
}

func (m *mockOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return m.refreshFn(ctx, refreshToken)
}

func TestSyncEvents_ExpiryGating(t *testing.T) {
	tests := []struct {
		name        string
		expiry      time.Duration
		wantRefresh int
	}{
		{"期限切れなら取得前に1回リフレッシュする", -time.Minute, 1},
		{"有効期限内ならリフレッシュしない", time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			credRepo := &memoryCredentialRepo{cred: &model.Credential{
				AccessToken:  "A1",
				RefreshToken: "R1",
				ExpiryDate:   time.Now().Add(tt.expiry),
			}}
			provider := &mockOAuthProvider{refreshFn: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
				calls = append(calls, "refresh")
				return &oauth2.Token{AccessToken: "A2", Expiry: time.Now().Add(time.Hour)}, nil
			}}
			authSvc := auth.NewService(provider, credRepo, nil, discardLogger(), auth.ServiceConfig{ProviderTimeout: time.Second})

			var usedToken string
			fetcher := &mockFetcher{fetchFn: func(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
				calls = append(calls, "fetch")
				usedToken = cred.AccessToken
				return remoteEvents(3), nil
			}}
			svc := newTestService(authSvc, fetcher, newMemoryEventRepo())

			result, err := svc.SyncEvents(context.Background(), model.SyncRequest{})
			if err != nil {
				t.Fatalf("SyncEvents() error = %v", err)
			}
			if result.Message != "Synced 3 events" {
				t.Errorf("Message = %q, want %q", result.Message, "Synced 3 events")
			}

			refreshes := 0
			for _, c := range calls {
				if c == "refresh" {
					refreshes++
				}
			}
			if refreshes != tt.wantRefresh {
				t.Errorf("refresh calls = %d, want %d", refreshes, tt.wantRefresh)
			}
			if tt.wantRefresh > 0 {
				if calls[0] != "refresh" {
					t.Errorf("call order = %v, want refresh before fetch", calls)
				}
				if usedToken != "A2" {
					t.Errorf("fetch used token %q, want refreshed %q", usedToken, "A2")
				}
			} else if usedToken != "A1" {
				t.Errorf("fetch used token %q, want %q", usedToken, "A1")
			}
		})
	}
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/mhmd-249/cbi/internal/conversation/pgstore.(*Store).Load", "(*Store).Load"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestReqDBStatsContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got == nil {
		t.Fatal("expected non-nil stats")
	}

	// Verify it's the same pointer
	got.AddQuery(time.Millisecond, nil)
	got2, _ := ReqDBStatsFromContext(ctx)
	if got2.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", got2.QueryCount)
	}
}

func TestReqDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := ReqDBStatsFromContext(context.Background())
	if ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestLabelsFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ctx       context.Context
		wantKind  string
		wantRoute string
	}{
		{"bare", context.Background(), "UNKNOWN", "unknown"},
		{"http method", WithHTTPMethod(context.Background(), "POST"), "POST", "unknown"},
		{"empty method ignored", WithHTTPMethod(context.Background(), ""), "UNKNOWN", "unknown"},
		{"job", WithJob(context.Background(), "worker"), "JOB", "worker"},
		{"empty job ignored", WithJob(context.Background(), ""), "UNKNOWN", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			kind, route := labelsFromContext(tt.ctx)
			if kind != tt.wantKind || route != tt.wantRoute {
				t.Errorf("labelsFromContext = %q,%q want %q,%q", kind, route, tt.wantKind, tt.wantRoute)
			}
		})
	}
}

func TestIsStoreFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"github.com/mhmd-249/cbi/internal/queue/pgqueue.(*Queue).Consume", true},
		{"github.com/mhmd-249/cbi/internal/linking/pgstore.(*Store).Recent", true},
		{"github.com/mhmd-249/cbi/internal/worker.(*Pool).turn", false},
		{"github.com/mhmd-249/cbi/internal/linking.(*Engine).Finalize", false},
	}
	for _, tt := range tests {
		if got := isStoreFrame(tt.fn); got != tt.want {
			t.Errorf("isStoreFrame(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	got := compactSQL("SELECT id\n\t\t FROM reports\n WHERE x = $1")
	if got != "SELECT id FROM reports WHERE x = $1" {
		t.Errorf("compactSQL = %q", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty url skips checks", Config{}, false},
		{"valid", Config{URL: "postgres://x", MaxConns: 10, MinConns: 2}, false},
		{"too few conns", Config{URL: "postgres://x", MaxConns: 1}, true},
		{"min above max", Config{URL: "postgres://x", MaxConns: 4, MinConns: 5}, true},
		{"negative slow query", Config{URL: "postgres://x", MaxConns: 4, SlowQuery: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetQueryObserver(t *testing.T) {
	t.Parallel()

	// Save and restore the global to avoid test pollution.
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "JOB", "worker", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

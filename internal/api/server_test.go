package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gatekeeper/internal/models"
	"gatekeeper/internal/orchestrator"
)

type fakeService struct {
	lastCommunity string
	lastGroup     *int64
	resetGroup    int64
	err           error
}

func (f *fakeService) Refresh(_ context.Context, communityID string, groupID *int64) (*models.RefreshResult, error) {
	f.lastCommunity = communityID
	f.lastGroup = groupID
	if f.err != nil {
		return nil, f.err
	}
	return &models.RefreshResult{CommunityID: communityID, GroupID: groupID, Created: 3, AddressesProcessed: 3}, nil
}

func (f *fakeService) ResetGroup(_ context.Context, groupID int64) (*models.RefreshResult, error) {
	f.resetGroup = groupID
	if f.err != nil {
		return nil, f.err
	}
	return &models.RefreshResult{CommunityID: "c1", GroupID: &groupID, Created: 1}, nil
}

func (f *fakeService) Memberships(_ context.Context, communityID, address string) ([]models.MembershipView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.MembershipView{
		{GroupID: 1, IsAllowed: true},
		{GroupID: 2, IsAllowed: false, RejectReason: models.RejectReasons{{Message: "Address not in allow list"}}},
	}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRefreshEndpoint(t *testing.T) {
	svc := &fakeService{}
	s := NewServer(0, svc, fakePinger{}, "test")

	rec := do(t, s, http.MethodPost, "/communities/c1/refresh?group_id=7")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.lastCommunity != "c1" || svc.lastGroup == nil || *svc.lastGroup != 7 {
		t.Errorf("Expected refresh of c1 group 7, got %q %v", svc.lastCommunity, svc.lastGroup)
	}

	var res models.RefreshResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Created != 3 {
		t.Errorf("Expected created 3, got %d", res.Created)
	}

	rec = do(t, s, http.MethodPost, "/communities/c1/refresh")
	if rec.Code != http.StatusOK || svc.lastGroup != nil {
		t.Errorf("Expected unfiltered refresh, got %d with group %v", rec.Code, svc.lastGroup)
	}
}

func TestRefreshEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		err    error
		want   int
	}{
		{"bad group id", http.MethodPost, "/communities/c1/refresh?group_id=abc", nil, http.StatusBadRequest},
		{"negative group id", http.MethodPost, "/communities/c1/refresh?group_id=-1", nil, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/communities/c1/refresh", nil, http.StatusMethodNotAllowed},
		{"unknown community", http.MethodPost, "/communities/zz/refresh", fmt.Errorf("%w: zz", orchestrator.ErrUnknownCommunity), http.StatusNotFound},
		{"unknown group", http.MethodPost, "/communities/c1/refresh?group_id=9", fmt.Errorf("%w: 9", orchestrator.ErrUnknownGroup), http.StatusNotFound},
		{"persistence failure", http.MethodPost, "/communities/c1/refresh", errors.New("database is gone"), http.StatusInternalServerError},
		{"unknown route", http.MethodPost, "/communities/c1/explode", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(0, &fakeService{err: tt.err}, fakePinger{}, "test")
			rec := do(t, s, tt.method, tt.target)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if rec.Code >= 400 {
				var body models.ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("Expected JSON error body: %v", err)
				}
				if body.Code != tt.want || body.Error == "" {
					t.Errorf("Unexpected error body: %+v", body)
				}
			}
		})
	}
}

func TestMembershipsEndpoint(t *testing.T) {
	s := NewServer(0, &fakeService{}, fakePinger{}, "test")

	rec := do(t, s, http.MethodGet, "/communities/c1/memberships?address=0xabc")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var views []models.MembershipView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(views) != 2 || !views[0].IsAllowed || views[1].IsAllowed {
		t.Errorf("Unexpected views: %+v", views)
	}
	if views[0].RejectReason != nil {
		t.Errorf("Expected null reject reason for a valid membership, got %+v", views[0].RejectReason)
	}

	rec = do(t, s, http.MethodGet, "/communities/c1/memberships")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without address, got %d", rec.Code)
	}
}

func TestResetEndpoint(t *testing.T) {
	svc := &fakeService{}
	s := NewServer(0, svc, fakePinger{}, "test")

	rec := do(t, s, http.MethodPost, "/groups/12/reset")
	if rec.Code != http.StatusOK || svc.resetGroup != 12 {
		t.Errorf("Expected reset of group 12, got %d / %d", rec.Code, svc.resetGroup)
	}

	rec = do(t, s, http.MethodPost, "/groups/abc/reset")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad group id, got %d", rec.Code)
	}

	s = NewServer(0, &fakeService{err: orchestrator.ErrUnknownGroup}, fakePinger{}, "test")
	rec = do(t, s, http.MethodPost, "/groups/5/reset")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown group, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := do(t, NewServer(0, &fakeService{}, fakePinger{}, "test"), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	rec = do(t, NewServer(0, &fakeService{}, fakePinger{err: errors.New("down")}, "test"), http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when the database is down, got %d", rec.Code)
	}
}

func TestIndexEndpoint(t *testing.T) {
	s := NewServer(0, &fakeService{}, nil, "1.2.3")

	rec := do(t, s, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var info map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info["version"] != "1.2.3" {
		t.Errorf("Expected version 1.2.3, got %v", info["version"])
	}

	if rec := do(t, s, http.MethodGet, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", rec.Code)
	}
}

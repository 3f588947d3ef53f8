package scto_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kedaikopi/surveyqc/scto"
)

func newTestClient(srv *httptest.Server) *scto.Client {
	c := scto.New("risetkedaikopi", "user@example.com", "secret")
	c.BaseURL = srv.URL
	return c
}

func TestFetchFormData_RequestShapeAndDecoding(t *testing.T) {
	// GIVEN: A server expecting the wide-JSON endpoint with basic auth and
	//        the three review-status filters
	// WHEN: Fetching a form
	// THEN: The records decode as raw wide maps

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/forms/data/wide/json/pilkada_2026" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query()["r[]"]; len(got) != 3 {
			t.Errorf("got status filters %v, want approved/rejected/pending", got)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user@example.com" || pass != "secret" {
			t.Errorf("missing or wrong basic auth: %q/%q", user, pass)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"PROV": "11", "KEY": "uuid:abc"}, {"PROV": "51", "KEY": "uuid:def"}]`))
	}))
	defer srv.Close()

	records, err := newTestClient(srv).FetchFormData(context.Background(), "pilkada_2026")
	if err != nil {
		t.Fatalf("FetchFormData failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["PROV"] != "11" {
		t.Errorf("got PROV=%v, want 11", records[0]["PROV"])
	}
}

func TestFetchFormData_ErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, scto.ErrUnauthorized},
		{http.StatusForbidden, scto.ErrUnauthorized},
		{http.StatusNotFound, scto.ErrFormNotFound},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := newTestClient(srv).FetchFormData(context.Background(), "f")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestFetchFormData_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchFormData(context.Background(), "f")
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if errors.Is(err, scto.ErrUnauthorized) || errors.Is(err, scto.ErrFormNotFound) {
		t.Errorf("500 must not map to a sentinel, got %v", err)
	}
}

func TestFetchFormData_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not": "an array"}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).FetchFormData(context.Background(), "f"); err == nil {
		t.Fatal("expected a decode error")
	}
}

package kbclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"pr-review-automation/internal/domain"
)

func TestFetchContextAdaptsLearningsShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/learnings/pr-context" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"context":"prior notes","learnings":[
			{"file":"a.go","line":5,"message":"x","accepted":true,"similarity":0.9,"confidence":0.8}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctxText, learnings, err := c.FetchContext(context.Background(), &domain.ReviewRequest{Owner: "acme", Repo: "widgets", PRNumber: 1})
	if err != nil {
		t.Fatal(err)
	}
	if ctxText != "prior notes" {
		t.Fatalf("unexpected context text %q", ctxText)
	}
	if len(learnings) != 1 || learnings[0].File != "a.go" || !learnings[0].Accepted {
		t.Fatalf("unexpected learnings %+v", learnings)
	}
}

func TestSearchBuildsQueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "nil pointer" {
			t.Fatalf("expected q param, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"learnings":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Search(context.Background(), "nil pointer", "acme", "widgets", 5, 0.5); err != nil {
		t.Fatal(err)
	}
}

func TestGetTaskReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.GetTask(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

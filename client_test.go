package kinfolk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, ErrAuth, KindAuth},
		{http.StatusForbidden, ErrForbidden, KindForbidden},
		{http.StatusNotFound, ErrNotFound, KindNotFound},
		{http.StatusBadRequest, ErrValidation, KindValidation},
		{http.StatusUnprocessableEntity, ErrValidation, KindValidation},
		{http.StatusInternalServerError, ErrServer, KindServer},
		{http.StatusBadGateway, ErrServer, KindServer},
		{http.StatusTeapot, ErrUnknown, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			b := newFakeBackend()
			b.reply("GET", "/chats/", tt.status, map[string]string{"detail": "nope"})
			srv := httptest.NewServer(b)
			defer srv.Close()

			_, err := NewClient("", WithBaseURL(srv.URL)).Chats.List(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tt.status || apiErr.Message != "nope" {
				t.Errorf("unexpected error detail %+v", apiErr)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"detail", `{"detail":"bad token"}`, "bad token"},
		{"error", `{"error":"blocked"}`, "blocked"},
		{"message", `{"message":"slow down"}`, "slow down"},
		{"plain text", "gateway timeout", "gateway timeout"},
		{"empty", "", "502 Bad Gateway"},
		{"field errors", `{"content":["required"]}`, `{"content":["required"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorMessage([]byte(tt.body), "502 Bad Gateway"); got != tt.want {
				t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).Stories.List(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Err == nil {
		t.Error("network error should wrap the transport failure")
	}
}

func TestBearerHeader(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	b := newFakeBackend()
	b.handle("GET", "/stories/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("Authorization"))
		mu.Unlock()
		writeJSON(w, http.StatusOK, []any{})
	})
	srv := httptest.NewServer(b)
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL+"/"))
	ctx := context.Background()
	if _, err := client.Stories.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
	client.SetToken("abc")
	if _, err := client.Stories.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "" || got[1] != "Bearer abc" {
		t.Errorf("unexpected auth headers %q", got)
	}
}

func TestDecodeList(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":"a"},{"id":"b"}]`, 2},
		{"results envelope", `{"results":[{"id":"a"}],"next":null,"count":1}`, 1},
		{"empty body", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := decodeList([]byte(tt.body))
			if err != nil {
				t.Fatalf("decodeList: %v", err)
			}
			if len(list) != tt.want {
				t.Errorf("expected %d records, got %d", tt.want, len(list))
			}
		})
	}

	if _, err := decodeList([]byte(`{"results":`)); err == nil {
		t.Error("expected an error for truncated JSON")
	}
}

func TestUploadAvatar(t *testing.T) {
	b := newFakeBackend()
	b.handle("POST", "/profile/avatar", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		file, header, err := r.FormFile("avatar")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			writeJSON(w, http.StatusBadRequest, nil)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "me.png" || string(data) != "png-bytes" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("unexpected part content type %q", ct)
		}
		writeJSON(w, http.StatusOK, map[string]any{"avatar": "/media/me.png"})
	})
	srv := httptest.NewServer(b)
	defer srv.Close()

	client := NewClient("t", WithBaseURL(srv.URL))
	rec, err := client.Profiles.UploadAvatar(context.Background(), "/tmp/me.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("UploadAvatar: %v", err)
	}
	if rec["avatar"] != "/media/me.png" {
		t.Errorf("unexpected response %v", rec)
	}

	if _, err := client.Profiles.UploadAvatar(context.Background(), "", nil); err == nil {
		t.Error("expected an error without a file name")
	}
}

func TestWSBaseURL(t *testing.T) {
	tests := map[string]string{
		"https://api.kinfolk.social": "wss://api.kinfolk.social",
		"http://localhost:8000/":     "ws://localhost:8000",
	}
	for in, want := range tests {
		if got := NewClient("", WithBaseURL(in)).WSBaseURL(); got != want {
			t.Errorf("WSBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

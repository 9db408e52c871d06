// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adiadia/campaign-runtime/internal/cms"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd(slog.New(slog.NewTextHandler(io.Discard, nil)))
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidatePrintsDecodedCampaign(t *testing.T) {
	out, err := runRoot(t, "validate", "--source", "https://example.com")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "source:    https://example.com") {
		t.Fatalf("missing source in %q", out)
	}
	if !strings.Contains(out, "max words: 800") {
		t.Fatalf("default word limit not applied in %q", out)
	}
	if !strings.Contains(out, "publishing is skipped") {
		t.Fatalf("missing cms line in %q", out)
	}
}

func TestValidateRequiresSource(t *testing.T) {
	if _, err := runRoot(t, "validate", "--max-words", "200"); err == nil {
		t.Fatal("expected error without a source")
	}
}

func TestValidateRemoteChecksSourceAndCMS(t *testing.T) {
	var gotCreds cms.Credentials
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/test-source":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"url": "https://example.com/new-post", "title": "New Post", "method": "sitemap",
			})
		case "/verify-connection":
			_ = json.NewDecoder(r.Body).Decode(&gotCreds)
			_ = json.NewEncoder(w).Encode(cms.Result{Success: true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := runRoot(t, "validate", "--remote", "--server", srv.URL,
		"--source", "https://example.com",
		"--cms-url", "https://blog.local", "--cms-user", "editor", "--cms-password", "pw")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "https://example.com/new-post (New Post via sitemap)") {
		t.Fatalf("missing probe result in %q", out)
	}
	if !strings.Contains(out, "cms check: ok") {
		t.Fatalf("missing cms result in %q", out)
	}
	if gotCreds.URL != "https://blog.local" || gotCreds.Username != "editor" || gotCreds.Password != "pw" {
		t.Fatalf("unexpected credentials %+v", gotCreds)
	}
}

func TestValidateRemoteReportsAllProblems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/test-source":
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Failed to detect article"})
		case "/verify-connection":
			_ = json.NewEncoder(w).Encode(cms.Result{Success: false, Message: "401 Unauthorized"})
		}
	}))
	defer srv.Close()

	_, err := runRoot(t, "validate", "--remote", "--server", srv.URL,
		"--source", "https://example.com", "--cms-url", "https://blog.local")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"Failed to detect article", "401 Unauthorized"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if exitCode(err) != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode(err))
	}
}

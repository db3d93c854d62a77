package presign

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulsegate/pkg/domain"
)

type fakeSigner struct {
	putKeys []string
	getKeys []string
}

func (f *fakeSigner) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	f.putKeys = append(f.putKeys, key)
	return "https://storage.local/put/" + key, nil
}

func (f *fakeSigner) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.getKeys = append(f.getKeys, key)
	return "https://storage.local/get/" + key, nil
}

func TestIssueRejectsCrossWorkspaceRequest(t *testing.T) {
	signer := &fakeSigner{}
	issuer := NewIssuer(signer, Config{})
	principal := domain.Principal{UserID: "u1", WorkspaceID: "ws-b"}

	_, err := issuer.Issue(context.Background(), principal, Request{
		WorkspaceID: "ws-a",
		Key:         "f.txt",
		ContentType: "text/plain",
		Size:        100,
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(signer.putKeys)+len(signer.getKeys) != 0 {
		t.Fatalf("no URL must be signed on forbidden request")
	}
}

func TestIssueValidatesPolicy(t *testing.T) {
	issuer := NewIssuer(&fakeSigner{}, Config{
		MaxObjectSize:       1024,
		AllowedContentTypes: []string{"text/plain", "image/png"},
	})
	principal := domain.Principal{UserID: "u1", WorkspaceID: "ws-1"}

	cases := []struct {
		name string
		req  Request
	}{
		{"oversized", Request{WorkspaceID: "ws-1", Key: "big.bin", ContentType: "text/plain", Size: 2048}},
		{"zero size", Request{WorkspaceID: "ws-1", Key: "f.txt", ContentType: "text/plain", Size: 0}},
		{"content type not allowed", Request{WorkspaceID: "ws-1", Key: "f.exe", ContentType: "application/octet-stream", Size: 10}},
		{"empty key", Request{WorkspaceID: "ws-1", Key: "  ", ContentType: "text/plain", Size: 10}},
		{"path escape", Request{WorkspaceID: "ws-1", Key: "../other/f.txt", ContentType: "text/plain", Size: 10}},
		{"unknown method", Request{WorkspaceID: "ws-1", Key: "f.txt", ContentType: "text/plain", Size: 10, Method: "append"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := issuer.Issue(context.Background(), principal, tc.req); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestIssueReturnsUploadAndDownloadURLs(t *testing.T) {
	signer := &fakeSigner{}
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewIssuer(signer, Config{
		TTL:                 5 * time.Minute,
		AllowedContentTypes: []string{"text/plain"},
		Now:                 func() time.Time { return issuedAt },
	})
	principal := domain.Principal{UserID: "u1", WorkspaceID: "ws-1"}

	grant, err := issuer.Issue(context.Background(), principal, Request{
		WorkspaceID: "ws-1",
		Key:         "f.txt",
		ContentType: "text/plain",
		Size:        100,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if grant.UploadURL != "https://storage.local/put/ws-1/f.txt" {
		t.Fatalf("unexpected upload url %q", grant.UploadURL)
	}
	if grant.DownloadURL != "https://storage.local/get/ws-1/f.txt" {
		t.Fatalf("unexpected download url %q", grant.DownloadURL)
	}
	if !grant.ExpiresAt.Equal(issuedAt.Add(5 * time.Minute)) {
		t.Fatalf("expiry must be issuance + ttl, got %v", grant.ExpiresAt)
	}
	if grant.Method != domain.MethodUpload {
		t.Fatalf("default method should be upload, got %q", grant.Method)
	}
}

func TestIssueDownloadSkipsUploadURLAndPolicy(t *testing.T) {
	signer := &fakeSigner{}
	issuer := NewIssuer(signer, Config{AllowedContentTypes: []string{"text/plain"}})
	principal := domain.Principal{UserID: "u1", WorkspaceID: "ws-1"}

	grant, err := issuer.Issue(context.Background(), principal, Request{
		WorkspaceID: "ws-1",
		Key:         "report.pdf",
		Method:      domain.MethodDownload,
	})
	if err != nil {
		t.Fatalf("issue download: %v", err)
	}
	if grant.UploadURL != "" {
		t.Fatalf("download grant must not carry an upload url")
	}
	if len(signer.putKeys) != 0 {
		t.Fatalf("no put url should be signed for download grants")
	}
}

func TestIssueTwiceYieldsIndependentGrants(t *testing.T) {
	signer := &fakeSigner{}
	issuer := NewIssuer(signer, Config{AllowedContentTypes: []string{"text/plain"}})
	principal := domain.Principal{UserID: "u1", WorkspaceID: "ws-1"}
	req := Request{WorkspaceID: "ws-1", Key: "f.txt", ContentType: "text/plain", Size: 100}

	for i := 0; i < 2; i++ {
		if _, err := issuer.Issue(context.Background(), principal, req); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	if len(signer.putKeys) != 2 || len(signer.getKeys) != 2 {
		t.Fatalf("expected two independent signings, got put=%d get=%d", len(signer.putKeys), len(signer.getKeys))
	}
}

func TestExpiresAtIsPureFunctionOfIssuanceTime(t *testing.T) {
	issuer := NewIssuer(&fakeSigner{}, Config{TTL: 3 * time.Minute})
	for hour := 0; hour < 3; hour++ {
		issuedAt := time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC)
		got := issuer.ExpiresAt(issuedAt)
		want := issuedAt.Add(3 * time.Minute)
		if !got.Equal(want) {
			t.Fatalf("hour %d: got %v want %v", hour, got, want)
		}
	}
}

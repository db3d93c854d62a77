package presign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pulsegate/pkg/domain"
)

const (
	defaultTTL     = 10 * time.Minute
	defaultMaxSize = 50 * 1024 * 1024
)

// Signer produces signed storage URLs for a fully-qualified object key.
// Satisfied by storage.MinioStore.
type Signer interface {
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Config bounds what grants the issuer hands out.
type Config struct {
	TTL                 time.Duration
	MaxObjectSize       int64
	AllowedContentTypes []string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Request describes one grant request from an authenticated caller.
type Request struct {
	WorkspaceID string             `json:"workspace_id"`
	Key         string             `json:"key"`
	ContentType string             `json:"content_type"`
	Size        int64              `json:"size"`
	Method      domain.GrantMethod `json:"method,omitempty"`
}

// Issuer computes time-limited, workspace-scoped grants. Grants are never
// stored: validity is a function of the signed URL and its expiry alone,
// enforced by the storage provider. Issuing twice yields two independent
// grants; there is no revocation once issued.
type Issuer struct {
	signer  Signer
	ttl     time.Duration
	maxSize int64
	allowed map[string]struct{}
	now     func() time.Time
}

// NewIssuer constructs an issuer with config defaults applied.
func NewIssuer(signer Signer, cfg Config) *Issuer {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxSize := cfg.MaxObjectSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		signer:  signer,
		ttl:     ttl,
		maxSize: maxSize,
		allowed: normalizeContentTypes(cfg.AllowedContentTypes),
		now:     now,
	}
}

// Issue validates the request against the principal's workspace and the
// configured policy, then returns a signed grant.
func (i *Issuer) Issue(ctx context.Context, principal domain.Principal, req Request) (domain.PresignedGrant, error) {
	if req.WorkspaceID != principal.WorkspaceID {
		return domain.PresignedGrant{}, fmt.Errorf("%w: grant requested for workspace %q", domain.ErrForbidden, req.WorkspaceID)
	}
	key := strings.TrimSpace(req.Key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return domain.PresignedGrant{}, fmt.Errorf("%w: invalid object key", domain.ErrInvalidRequest)
	}
	method := req.Method
	if method == "" {
		method = domain.MethodUpload
	}
	if method != domain.MethodUpload && method != domain.MethodDownload {
		return domain.PresignedGrant{}, fmt.Errorf("%w: unknown method %q", domain.ErrInvalidRequest, req.Method)
	}
	if method == domain.MethodUpload {
		if req.Size <= 0 || req.Size > i.maxSize {
			return domain.PresignedGrant{}, fmt.Errorf("%w: size must be within (0, %d]", domain.ErrInvalidRequest, i.maxSize)
		}
		if !i.contentTypeAllowed(req.ContentType) {
			return domain.PresignedGrant{}, fmt.Errorf("%w: content type %q not allowed", domain.ErrInvalidRequest, req.ContentType)
		}
	}

	issuedAt := i.now().UTC()
	expiresAt := i.ExpiresAt(issuedAt)
	objectKey := ObjectKey(req.WorkspaceID, key)

	grant := domain.PresignedGrant{
		WorkspaceID: req.WorkspaceID,
		Key:         key,
		Method:      method,
		ContentType: req.ContentType,
		MaxSize:     i.maxSize,
		ExpiresAt:   expiresAt,
	}
	if method == domain.MethodUpload {
		uploadURL, err := i.signer.PresignPut(ctx, objectKey, i.ttl)
		if err != nil {
			return domain.PresignedGrant{}, fmt.Errorf("sign upload url: %w", err)
		}
		grant.UploadURL = uploadURL
	}
	downloadURL, err := i.signer.PresignGet(ctx, objectKey, i.ttl)
	if err != nil {
		return domain.PresignedGrant{}, fmt.Errorf("sign download url: %w", err)
	}
	grant.DownloadURL = downloadURL
	return grant, nil
}

// ExpiresAt computes the grant expiry for a given issuance time.
// Pure function of issuance time and the configured TTL.
func (i *Issuer) ExpiresAt(issuedAt time.Time) time.Time {
	return issuedAt.UTC().Add(i.ttl)
}

// ObjectKey namespaces an object key under its workspace so that tenants
// can never address each other's objects.
func ObjectKey(workspaceID, key string) string {
	return workspaceID + "/" + key
}

func (i *Issuer) contentTypeAllowed(contentType string) bool {
	if len(i.allowed) == 0 {
		return true
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" {
		return false
	}
	// Parameters like "; charset=utf-8" do not affect the allow-list match.
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	_, ok := i.allowed[contentType]
	return ok
}

func normalizeContentTypes(types []string) map[string]struct{} {
	out := make(map[string]struct{}, len(types))
	for _, ct := range types {
		ct = strings.ToLower(strings.TrimSpace(ct))
		if ct == "" {
			continue
		}
		out[ct] = struct{}{}
	}
	return out
}

package oracle

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names the evidence shape carried by a request.
type Kind string

const (
	KindDocument Kind = "document"
	KindSocial   Kind = "social"
	KindOAuth    Kind = "oauth"
)

// Payload is one of DocumentPayload, SocialPayload or OAuthPayload.
type Payload interface {
	Kind() Kind
	Validate() error
}

var allowedDocumentExt = map[string]struct{}{"pdf": {}, "docx": {}, "txt": {}}

// DocumentPayload carries the raw bytes of an uploaded document.
type DocumentPayload struct {
	Filename string
	Content  []byte
}

func (DocumentPayload) Kind() Kind { return KindDocument }

func (p DocumentPayload) Validate() error {
	name := strings.TrimSpace(p.Filename)
	if name == "" {
		return invalid("document filename is required")
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if _, ok := allowedDocumentExt[ext]; !ok {
		return invalid(fmt.Sprintf("unsupported document format %q", ext))
	}
	if len(p.Content) == 0 {
		return invalid("document is empty")
	}
	return nil
}

// SocialPayload references public social handles.
type SocialPayload struct {
	LinkedInProfileID string
	TwitterUsername   string
}

func (SocialPayload) Kind() Kind { return KindSocial }

func (p SocialPayload) Validate() error {
	if strings.TrimSpace(p.LinkedInProfileID) == "" && strings.TrimSpace(p.TwitterUsername) == "" {
		return invalid("at least one social handle is required")
	}
	return nil
}

// OAuthPayload carries delegated access tokens alongside the handles they unlock.
type OAuthPayload struct {
	LinkedInAccessToken string
	LinkedInProfileID   string
	TwitterAccessToken  string
	TwitterUsername     string
}

func (OAuthPayload) Kind() Kind { return KindOAuth }

func (p OAuthPayload) Validate() error {
	hasLinkedIn := strings.TrimSpace(p.LinkedInAccessToken) != "" && strings.TrimSpace(p.LinkedInProfileID) != ""
	hasTwitter := strings.TrimSpace(p.TwitterUsername) != ""
	if !hasLinkedIn && !hasTwitter {
		return invalid("oauth evidence needs a linkedin token with profile id or a twitter username")
	}
	return nil
}

// Request is a signed, timestamped evidence submission bound to one session.
// It is never mutated after Prepare returns it.
type Request struct {
	Address   common.Address
	Timestamp int64
	Signature []byte
	Payload   Payload
}

// IssuedAt returns the request timestamp as a time.
func (r *Request) IssuedAt() time.Time { return time.UnixMilli(r.Timestamp) }

// AuthorizationMessage is the text the session key signs for payload at ts.
func AuthorizationMessage(addr common.Address, ts int64, p Payload) []byte {
	if doc, ok := p.(DocumentPayload); ok {
		return []byte(fmt.Sprintf("Document Verification Request\nTimestamp: %d\nFile: %s", ts, doc.Filename))
	}
	return []byte(fmt.Sprintf("Profile Analysis Request\nTimestamp: %d\nAddress: %s", ts, addr.Hex()))
}

package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
)

var (
	ErrMalformed       = errors.New("deeplink: malformed url")
	ErrUnsupportedType = errors.New("deeplink: unsupported link type")
	ErrMissingTokens   = errors.New("deeplink: missing token material")
)

// Link is an inbound activation URL reduced to the fields the router acts on.
type Link struct {
	Raw              string
	Type             identity.LinkType
	AccessToken      string
	RefreshToken     string
	ErrorCode        string
	ErrorDescription string
}

// Failed reports whether the provider redirected with an error instead of tokens.
func (l Link) Failed() bool {
	return l.ErrorCode != "" || l.ErrorDescription != ""
}

// Key identifies the logical event carried by the link. Two deliveries of the
// same link share a key even when their parameters are ordered differently.
func (l Link) Key() string {
	if l.AccessToken != "" {
		return string(l.Type) + ":" + l.AccessToken
	}
	return l.Raw
}

// Parse reads query and fragment parameters. Fragment values win over query values
// because providers put token material in the fragment.
func Parse(raw string) (Link, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Link{}, ErrMalformed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	params := parsed.Query()
	if parsed.Fragment != "" {
		fragment, fragmentErr := url.ParseQuery(parsed.Fragment)
		if fragmentErr != nil {
			return Link{}, fmt.Errorf("%w: fragment: %v", ErrMalformed, fragmentErr)
		}
		for key, values := range fragment {
			params[key] = values
		}
	}

	link := Link{
		Raw:              trimmed,
		Type:             identity.LinkType(strings.TrimSpace(params.Get("type"))),
		AccessToken:      strings.TrimSpace(params.Get("access_token")),
		RefreshToken:     strings.TrimSpace(params.Get("refresh_token")),
		ErrorCode:        strings.TrimSpace(firstNonEmpty(params.Get("error_code"), params.Get("error"))),
		ErrorDescription: strings.TrimSpace(params.Get("error_description")),
	}
	if link.Failed() {
		return link, nil
	}
	switch link.Type {
	case identity.LinkRecovery, identity.LinkSignup, identity.LinkEmailChange:
	default:
		return link, fmt.Errorf("%w: %q", ErrUnsupportedType, link.Type)
	}
	if link.AccessToken == "" || link.RefreshToken == "" {
		return link, ErrMissingTokens
	}
	return link, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

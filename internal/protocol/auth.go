package protocol

import (
	"context"
	"fmt"

	"github.com/eleven-am/callstream/internal/shared"
)

// Authenticator decides whether a signed upgrade request may open a session.
// It runs before the open message is accepted; any error keeps the session
// out of the ACTIVE state.
type Authenticator interface {
	Authenticate(ctx context.Context, req SignedRequest, open *OpenParams) error
}

// HMACAuthenticator verifies the request signature pair and checks the
// presented API key and organization id against configured values.
type HMACAuthenticator struct {
	Verifier       *Verifier
	APIKeyValid    func(apiKey string) bool
	OrganizationID string
}

func (a *HMACAuthenticator) Authenticate(_ context.Context, req SignedRequest, open *OpenParams) error {
	apiKey := req.Header.Get(HeaderAPIKey)
	if apiKey == "" || (a.APIKeyValid != nil && !a.APIKeyValid(apiKey)) {
		return fmt.Errorf("%w: api key rejected", shared.ErrUnauthorized)
	}

	if err := a.Verifier.Verify(req); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUnauthorized, err)
	}

	headerOrg := req.Header.Get(HeaderOrganizationID)
	if headerOrg != "" && headerOrg != open.OrganizationID {
		return fmt.Errorf("%w: organization id mismatch", shared.ErrUnauthorized)
	}
	if a.OrganizationID != "" && open.OrganizationID != a.OrganizationID {
		return fmt.Errorf("%w: unknown organization %q", shared.ErrUnauthorized, open.OrganizationID)
	}
	return nil
}

// MediaSelector picks one supported media parameter from those offered on
// open, or rejects the offer entirely.
type MediaSelector interface {
	Select(offered []MediaParameter) (*MediaParameter, error)
}

// DefaultMediaSelector prefers two-channel entries over one, and its
// preferred format (PCMU unless configured otherwise) over the rest.
type DefaultMediaSelector struct {
	PreferredFormat MediaFormat
}

func (s *DefaultMediaSelector) Select(offered []MediaParameter) (*MediaParameter, error) {
	preferred := s.PreferredFormat
	if preferred == "" {
		preferred = MediaFormatPCMU
	}

	var best *MediaParameter
	bestScore := -1
	for i := range offered {
		m := offered[i]
		if validateMediaParameter(m) != nil {
			continue
		}
		score := len(m.Channels) * 2
		if m.Format == preferred {
			score++
		}
		if score > bestScore {
			best = &offered[i]
			bestScore = score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no supported media parameter offered")
	}
	return best, nil
}

package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature      = "Signature"
	HeaderSignatureInput = "Signature-Input"
	HeaderAPIKey         = "X-API-KEY"
	HeaderOrganizationID = "Audiohook-Organization-Id"
	HeaderSessionID      = "Audiohook-Session-Id"
	HeaderCorrelationID  = "Audiohook-Correlation-Id"

	signatureLabel = "sig1"
	signatureAlg   = "hmac-sha256"
)

var (
	ErrSignatureMissing  = errors.New("signature headers missing")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrSignatureExpired  = errors.New("signature expired")
	ErrUnknownKeyID      = errors.New("unknown signature key id")
)

// CanonicalComponents is the ordered list of message components covered by
// a request signature. Order matters: signer and verifier must serialize
// the exact same sequence.
var CanonicalComponents = []string{
	"@request-target",
	"@authority",
	"audiohook-organization-id",
	"audiohook-session-id",
	"audiohook-correlation-id",
	"x-api-key",
}

// SignedRequest is the subset of an upgrade request covered by the
// signature: derived components plus signed header values.
type SignedRequest struct {
	RequestTarget string
	Authority     string
	Header        http.Header
}

func (r SignedRequest) component(name string) (string, error) {
	switch name {
	case "@request-target":
		return r.RequestTarget, nil
	case "@authority":
		return r.Authority, nil
	default:
		if strings.HasPrefix(name, "@") {
			return "", fmt.Errorf("unknown derived component %q", name)
		}
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("signed header %q absent", name)
		}
		return value, nil
	}
}

type signatureParams struct {
	components []string
	keyID      string
	alg        string
	nonce      string
	created    int64
	expires    int64
}

func (p signatureParams) serialize() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, c := range p.components {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Quote(c))
	}
	b.WriteByte(')')
	fmt.Fprintf(&b, ";alg=%q;keyid=%q;nonce=%q;created=%d;expires=%d",
		p.alg, p.keyID, p.nonce, p.created, p.expires)
	return b.String()
}

// signatureBase joins every covered component as `"name": value` lines,
// terminated by the @signature-params line. This exact byte sequence is
// what gets signed on both sides.
func signatureBase(req SignedRequest, params signatureParams) (string, error) {
	var b strings.Builder
	for _, name := range params.components {
		value, err := req.component(name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", name, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params.serialize())
	return b.String(), nil
}

func computeDigest(secret []byte, base string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Signer produces the Signature-Input / Signature header pair for a request.
type Signer struct {
	KeyID  string
	Secret []byte
}

func (s *Signer) Sign(req SignedRequest, nonce string, created, expires time.Time) (input, signature string, err error) {
	params := signatureParams{
		components: CanonicalComponents,
		keyID:      s.KeyID,
		alg:        signatureAlg,
		nonce:      nonce,
		created:    created.Unix(),
		expires:    expires.Unix(),
	}
	base, err := signatureBase(req, params)
	if err != nil {
		return "", "", err
	}
	digest := computeDigest(s.Secret, base)
	input = signatureLabel + "=" + params.serialize()
	signature = signatureLabel + "=:" + digest + ":"
	return input, signature, nil
}

// Verifier checks a received Signature-Input / Signature pair by rebuilding
// the signature base from the request and recomputing the digest. All
// comparisons are constant time and all failures are closed.
type Verifier struct {
	SecretForKeyID func(keyID string) ([]byte, bool)
	Now            func() time.Time
	MaxClockSkew   time.Duration
}

func (v *Verifier) Verify(req SignedRequest) error {
	input := req.Header.Get(HeaderSignatureInput)
	signature := req.Header.Get(HeaderSignature)
	if input == "" || signature == "" {
		return ErrSignatureMissing
	}

	params, err := parseSignatureInput(input)
	if err != nil {
		return err
	}
	if params.alg != signatureAlg {
		return fmt.Errorf("unsupported signature alg %q", params.alg)
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := v.MaxClockSkew
	if now.Unix() > params.expires+int64(skew.Seconds()) {
		return ErrSignatureExpired
	}
	if params.created > now.Unix()+int64(skew.Seconds()) {
		return fmt.Errorf("%w: created in the future", ErrSignatureMismatch)
	}

	secret, ok := v.SecretForKeyID(params.keyID)
	if !ok {
		return ErrUnknownKeyID
	}

	received, err := parseSignatureValue(signature)
	if err != nil {
		return err
	}
	base, err := signatureBase(req, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	expected := computeDigest(secret, base)
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return ErrSignatureMismatch
	}
	return nil
}

func parseSignatureInput(input string) (signatureParams, error) {
	var params signatureParams

	rest, ok := strings.CutPrefix(input, signatureLabel+"=")
	if !ok {
		return params, fmt.Errorf("signature input must carry label %q", signatureLabel)
	}
	if !strings.HasPrefix(rest, "(") {
		return params, errors.New("signature input missing component list")
	}
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return params, errors.New("signature input component list unterminated")
	}
	for _, quoted := range strings.Fields(rest[1:end]) {
		name, err := strconv.Unquote(quoted)
		if err != nil {
			return params, fmt.Errorf("bad component %s: %w", quoted, err)
		}
		params.components = append(params.components, name)
	}

	for _, field := range strings.Split(rest[end+1:], ";") {
		if field == "" {
			continue
		}
		key, value, found := strings.Cut(field, "=")
		if !found {
			return params, fmt.Errorf("bad signature parameter %q", field)
		}
		switch key {
		case "alg":
			params.alg = strings.Trim(value, `"`)
		case "keyid":
			params.keyID = strings.Trim(value, `"`)
		case "nonce":
			params.nonce = strings.Trim(value, `"`)
		case "created":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return params, fmt.Errorf("bad created: %w", err)
			}
			params.created = n
		case "expires":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return params, fmt.Errorf("bad expires: %w", err)
			}
			params.expires = n
		default:
			return params, fmt.Errorf("unknown signature parameter %q", key)
		}
	}
	if len(params.components) == 0 || params.keyID == "" || params.expires == 0 {
		return params, errors.New("incomplete signature parameters")
	}
	return params, nil
}

func parseSignatureValue(signature string) (string, error) {
	rest, ok := strings.CutPrefix(signature, signatureLabel+"=")
	if !ok {
		return "", fmt.Errorf("signature must carry label %q", signatureLabel)
	}
	digest := strings.TrimPrefix(strings.TrimSuffix(rest, ":"), ":")
	if digest == "" || digest == rest {
		return "", errors.New("signature digest not colon-delimited")
	}
	if _, err := base64.StdEncoding.DecodeString(digest); err != nil {
		return "", fmt.Errorf("signature digest not base64: %w", err)
	}
	return digest, nil
}
